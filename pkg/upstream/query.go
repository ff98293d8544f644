package upstream

import (
	"strings"
)

// Op is an encoded-query comparison operator.
type Op string

const (
	OpEquals         Op = "="
	OpNotEquals      Op = "!="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpLike           Op = "LIKE"
	OpStartsWith     Op = "STARTSWITH"
	OpEndsWith       Op = "ENDSWITH"
	OpContains       Op = "CONTAINS"
	OpDoesNotContain Op = "DOESNOTCONTAIN"
	OpIn             Op = "IN"
	OpNotIn          Op = "NOT IN"
)

// QueryBuilder assembles the upstream's encoded-query DSL: clauses joined
// by ^ (AND) or ^OR, with ORDERBY/ORDERBYDESC terminating the string.
type QueryBuilder struct {
	clauses []string
	orderBy string
}

// NewQuery starts an empty builder.
func NewQuery() *QueryBuilder {
	return &QueryBuilder{}
}

// Where adds an AND clause.
func (q *QueryBuilder) Where(field string, op Op, value string) *QueryBuilder {
	q.clauses = append(q.clauses, field+string(op)+value)
	return q
}

// OrWhere adds an OR clause.
func (q *QueryBuilder) OrWhere(field string, op Op, value string) *QueryBuilder {
	if len(q.clauses) == 0 {
		return q.Where(field, op, value)
	}
	q.clauses = append(q.clauses, "^OR"+field+string(op)+value)
	return q
}

// In adds an IN clause over the given values.
func (q *QueryBuilder) In(field string, values ...string) *QueryBuilder {
	return q.Where(field, OpIn, strings.Join(values, ","))
}

// OrderBy sets an ascending sort directive.
func (q *QueryBuilder) OrderBy(field string) *QueryBuilder {
	q.orderBy = "ORDERBY" + field
	return q
}

// OrderByDesc sets a descending sort directive.
func (q *QueryBuilder) OrderByDesc(field string) *QueryBuilder {
	q.orderBy = "ORDERBYDESC" + field
	return q
}

// Encode renders the final encoded-query string.
func (q *QueryBuilder) Encode() string {
	var sb strings.Builder
	for i, clause := range q.clauses {
		if i > 0 && !strings.HasPrefix(clause, "^OR") {
			sb.WriteString("^")
		}
		sb.WriteString(clause)
	}
	if q.orderBy != "" {
		if sb.Len() > 0 {
			sb.WriteString("^")
		}
		sb.WriteString(q.orderBy)
	}
	return sb.String()
}

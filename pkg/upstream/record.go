package upstream

import "encoding/json"

// Record is one row from the upstream Table API. Reference fields arrive as
// {display_value, value, link} triples when sysparm_display_value is on;
// scalars arrive as plain strings. Field hides that duality — the dual
// shape never leaves this package.
type Record map[string]json.RawMessage

type refField struct {
	DisplayValue string `json:"display_value"`
	Value        string `json:"value"`
	Link         string `json:"link"`
}

// Field returns the preferred string for a field: display_value when
// present, else value, else the raw scalar.
func (r Record) Field(name string) string {
	raw, ok := r[name]
	if !ok {
		return ""
	}
	var ref refField
	if err := json.Unmarshal(raw, &ref); err == nil {
		if ref.DisplayValue != "" {
			return ref.DisplayValue
		}
		return ref.Value
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// RefValue returns the underlying sys_id of a reference field, preferring
// value over display_value. Used where the caller needs the raw identifier.
func (r Record) RefValue(name string) string {
	raw, ok := r[name]
	if !ok {
		return ""
	}
	var ref refField
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Value != "" {
		return ref.Value
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// Flatten projects every field through the extraction rule into a plain
// string map, the shape persisted as a document's raw_data.
func (r Record) Flatten() map[string]string {
	out := make(map[string]string, len(r))
	for name := range r {
		out[name] = r.Field(name)
	}
	return out
}

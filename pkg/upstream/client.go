// Package upstream implements the authenticated ServiceNow Table API
// client: encoded-query building, reference-field extraction, retry with
// exponential backoff, a leaky-bucket rate limiter and a circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/types"
)

const (
	tableAPIPath  = "/api/now/table/"
	attachAPIPath = "/api/now/attachment/"
	journalTable  = "sys_journal_field"
	taskSLATable  = "task_sla"
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	maxRetryAfter = 2 * time.Minute
)

// Client is the upstream transport. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	logger     zerolog.Logger
}

// NewClient builds a client from configuration. The rate limiter is keyed
// by upstream origin, which for a single-instance deployment is this one
// limiter.
func NewClient(cfg config.Upstream, maxRetries int, creds CredentialSource) *Client {
	logger := log.WithComponent("upstream")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "servicenow",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.BreakerState.Set(float64(to))
		},
	})

	return &Client{
		baseURL:    cfg.InstanceURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		creds:      creds,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:    breaker,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Query runs a paged encoded query against a table.
func (c *Client) Query(ctx context.Context, table, encodedQuery string, limit, offset int) ([]Record, error) {
	params := url.Values{}
	if encodedQuery != "" {
		params.Set("sysparm_query", encodedQuery)
	}
	if limit > 0 {
		params.Set("sysparm_limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("sysparm_offset", strconv.Itoa(offset))
	}
	params.Set("sysparm_display_value", "all")

	body, err := c.do(ctx, http.MethodGet, tableAPIPath+table, params, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []Record `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "malformed query response from %s", table)
	}
	return resp.Result, nil
}

// Get fetches one record by sys_id. A 404 returns (nil, nil).
func (c *Client) Get(ctx context.Context, table, sysID string) (Record, error) {
	params := url.Values{}
	params.Set("sysparm_display_value", "all")

	body, err := c.do(ctx, http.MethodGet, tableAPIPath+table+"/"+sysID, params, nil)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseSingle(body, table)
}

// Create inserts a record.
func (c *Client) Create(ctx context.Context, table string, fields map[string]string) (Record, error) {
	body, err := c.do(ctx, http.MethodPost, tableAPIPath+table, nil, fields)
	if err != nil {
		return nil, err
	}
	return parseSingle(body, table)
}

// Update patches a record by sys_id.
func (c *Client) Update(ctx context.Context, table, sysID string, fields map[string]string) (Record, error) {
	body, err := c.do(ctx, http.MethodPatch, tableAPIPath+table+"/"+sysID, nil, fields)
	if err != nil {
		return nil, err
	}
	return parseSingle(body, table)
}

// Delete removes a record by sys_id. Deleting an absent record is not an
// error.
func (c *Client) Delete(ctx context.Context, table, sysID string) error {
	_, err := c.do(ctx, http.MethodDelete, tableAPIPath+table+"/"+sysID, nil, nil)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// UploadAttachment attaches a file to a record.
func (c *Client) UploadAttachment(ctx context.Context, table, sysID, filename string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("table_name", table)
	params.Set("table_sys_id", sysID)
	params.Set("file_name", filename)

	_, err = c.doRaw(ctx, http.MethodPost, attachAPIPath+"file", params, buf.Bytes(), w.FormDataContentType())
	return err
}

// DownloadAttachment fetches attachment content by attachment sys_id.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentSysID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, attachAPIPath+attachmentSysID+"/file", nil, nil)
}

// Journal fetches one journal stream (work_notes or comments) for a ticket,
// ordered by creation time.
func (c *Client) Journal(ctx context.Context, elementID string, element types.JournalElement) ([]*types.JournalEntry, error) {
	query := NewQuery().
		Where("element_id", OpEquals, elementID).
		Where("element", OpEquals, string(element)).
		OrderBy("sys_created_on").
		Encode()

	records, err := c.Query(ctx, journalTable, query, 0, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]*types.JournalEntry, 0, len(records))
	for _, rec := range records {
		entry := &types.JournalEntry{
			ElementID: elementID,
			Element:   element,
			Value:     rec.Field("value"),
			CreatedBy: rec.Field("sys_created_by"),
		}
		if ts, err := types.ParseTime(rec.Field("sys_created_on")); err == nil {
			entry.CreatedAt = ts
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// TaskSLAs fetches the task↔SLA rows attached to a ticket.
func (c *Client) TaskSLAs(ctx context.Context, taskSysID string) ([]Record, error) {
	query := NewQuery().Where("task", OpEquals, taskSysID).Encode()
	return c.Query(ctx, taskSLATable, query, 0, 0)
}

func parseSingle(body []byte, table string) (Record, error) {
	var resp struct {
		Result Record `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "malformed record response from %s", table)
	}
	return resp.Result, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload any) ([]byte, error) {
	var body []byte
	contentType := ""
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, path, params, body, contentType)
}

// doRaw runs one logical request: rate limit, then retry loop around the
// circuit-broken HTTP call. 401 triggers one credential refresh; 404 maps
// to a NotFound error for the caller to interpret; 429 waits out the
// Retry-After window within the retry budget.
func (c *Client) doRaw(ctx context.Context, method, path string, params url.Values, body []byte, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		respBody, status, retryAfterHint, err := c.send(ctx, method, path, params, body, contentType)
		if err != nil {
			// Breaker open or network failure: both transient.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				metrics.UpstreamRequests.WithLabelValues(method, "breaker_open").Inc()
				return nil, errdefs.Wrap(errdefs.KindTransientUpstream, err, "circuit open for %s", c.baseURL)
			}
			lastErr = err
			metrics.UpstreamRequests.WithLabelValues(method, "error").Inc()
			continue
		}

		switch {
		case status >= 200 && status < 300:
			metrics.UpstreamRequests.WithLabelValues(method, "ok").Inc()
			return respBody, nil

		case status == http.StatusUnauthorized:
			if refreshed {
				metrics.UpstreamRequests.WithLabelValues(method, "auth_expired").Inc()
				return nil, errdefs.AuthExpired("credential rejected twice by %s", c.baseURL)
			}
			refreshed = true
			if err := c.creds.Refresh(ctx); err != nil {
				return nil, errdefs.Wrap(errdefs.KindAuthExpired, err, "credential refresh failed")
			}
			c.logger.Info().Msg("credentials refreshed after 401")
			attempt-- // the refreshed retry does not consume the budget
			continue

		case status == http.StatusNotFound:
			metrics.UpstreamRequests.WithLabelValues(method, "not_found").Inc()
			return nil, errdefs.NotFound("%s %s", method, path)

		case status == http.StatusTooManyRequests:
			metrics.UpstreamRateLimited.Inc()
			wait := retryAfterHint
			c.logger.Warn().Dur("retry_after", wait).Msg("upstream rate limited")
			lastErr = errdefs.RateLimited(c.baseURL, time.Now().Add(wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue

		case status >= 500:
			lastErr = errdefs.TransientUpstream("%s %s returned %d", method, path, status)
			metrics.UpstreamRequests.WithLabelValues(method, "server_error").Inc()
			continue

		default:
			metrics.UpstreamRequests.WithLabelValues(method, "client_error").Inc()
			return nil, errdefs.Validation("%s %s rejected with %d: %s", method, path, status, truncate(respBody, 200))
		}
	}

	if lastErr == nil {
		lastErr = errdefs.TransientUpstream("%s %s failed", method, path)
	}
	return nil, errdefs.Wrap(errdefs.KindTransientUpstream, lastErr,
		"%s %s failed after %d attempts", method, path, c.maxRetries+1)
}

// send performs one HTTP round trip inside the circuit breaker. Only
// network errors and 5xx count as breaker failures; 4xx responses are
// upstream decisions, not upstream outages.
func (c *Client) send(ctx context.Context, method, path string, params url.Values, body []byte, contentType string) ([]byte, int, time.Duration, error) {
	type result struct {
		body       []byte
		status     int
		retryAfter time.Duration
	}

	out, err := c.breaker.Execute(func() (any, error) {
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		auth, err := c.creds.Authorization(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", auth)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		res := result{data, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"))}
		if resp.StatusCode >= 500 {
			// Return the response but count it against the breaker.
			return res, fmt.Errorf("upstream %d", resp.StatusCode)
		}
		return res, nil
	})

	if err != nil {
		if res, ok := out.(result); ok {
			return res.body, res.status, res.retryAfter, nil
		}
		return nil, 0, 0, err
	}
	res := out.(result)
	return res.body, res.status, res.retryAfter, nil
}

func parseRetryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > maxRetryAfter {
			return maxRetryAfter
		}
		return d
	}
	return 5 * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

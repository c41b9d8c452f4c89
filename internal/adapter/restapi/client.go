// Package restapi implements the remote store port against a PostgREST-style
// REST API: one collection per entity type, rows addressed by ?id=eq.<id>.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/remotestore"
	"github.com/rpma-off/rpma-sync/internal/resilience"
)

const maxBodyBytes = 4 << 20

// Client talks to the remote REST store.
type Client struct {
	baseURL    string
	apiKey     string
	tables     map[syncop.EntityType]string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithTables overrides the remote collection for some entity types.
func WithTables(tables map[syncop.EntityType]string) Option {
	return func(c *Client) {
		for k, v := range tables {
			c.tables[k] = v
		}
	}
}

// WithHTTPClient replaces the HTTP client (its transport is used as is).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the store at baseURL. Requests are traced
// through an otelhttp transport.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tables:  make(map[syncop.EntityType]string),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// CountsAgainstBreaker reports whether err is a remote health signal: a
// transport failure or a 5xx/429 answer. Caller cancellation is not. Use it
// with resilience.WithFailureFilter.
func CountsAgainstBreaker(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (c *Client) table(entity syncop.EntityType) string {
	if t, ok := c.tables[entity]; ok {
		return t
	}
	return entity.Table()
}

func idFilter(id string, sel string) url.Values {
	q := url.Values{"id": {"eq." + id}}
	if sel != "" {
		q.Set("select", sel)
	}
	return q
}

// EntityExists reports whether a row with the given id exists.
func (c *Client) EntityExists(ctx context.Context, entity syncop.EntityType, id string) (bool, error) {
	table := c.table(entity)
	resp, err := c.doRequest(ctx, http.MethodGet, "/"+table, idFilter(id, "id"), nil)
	if err != nil {
		return false, fmt.Errorf("exists %s %s: %w", table, id, err)
	}
	if !resp.ok() {
		return false, resp.statusError(http.MethodGet, table)
	}
	rows, err := decodeRows(resp.body)
	if err != nil {
		return false, fmt.Errorf("exists %s %s: %w", table, id, err)
	}
	return len(rows) > 0, nil
}

// CreateEntity inserts payload with the given id. A 409 is returned as a
// *remotestore.ConflictError carrying the existing row when it can be read.
func (c *Client) CreateEntity(ctx context.Context, entity syncop.EntityType, id string, payload map[string]any) error {
	table := c.table(entity)
	body, err := json.Marshal(withID(payload, id))
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", table, id, err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/"+table, nil, body)
	if err != nil {
		return fmt.Errorf("create %s %s: %w", table, id, err)
	}
	switch {
	case resp.ok():
		return nil
	case resp.status == http.StatusConflict:
		return c.conflict(ctx, entity, id, resp.body)
	default:
		return resp.statusError(http.MethodPost, table)
	}
}

// UpdateEntity patches the row. A 404 or an empty representation means the
// row does not exist and yields remotestore.ErrNotFound.
func (c *Client) UpdateEntity(ctx context.Context, entity syncop.EntityType, id string, payload map[string]any) error {
	table := c.table(entity)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", table, id, err)
	}

	resp, err := c.doRequest(ctx, http.MethodPatch, "/"+table, idFilter(id, ""), body)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	switch {
	case resp.status == http.StatusNotFound:
		return fmt.Errorf("update %s %s: %w", table, id, remotestore.ErrNotFound)
	case resp.status == http.StatusConflict:
		return c.conflict(ctx, entity, id, resp.body)
	case !resp.ok():
		return resp.statusError(http.MethodPatch, table)
	case resp.emptyRepresentation():
		return fmt.Errorf("update %s %s: %w", table, id, remotestore.ErrNotFound)
	}
	return nil
}

// DeleteEntity removes the row. A missing row yields remotestore.ErrNotFound;
// callers treat that as success.
func (c *Client) DeleteEntity(ctx context.Context, entity syncop.EntityType, id string) error {
	table := c.table(entity)
	resp, err := c.doRequest(ctx, http.MethodDelete, "/"+table, idFilter(id, ""), nil)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	switch {
	case resp.status == http.StatusNotFound, resp.ok() && resp.emptyRepresentation():
		return fmt.Errorf("delete %s %s: %w", table, id, remotestore.ErrNotFound)
	case !resp.ok():
		return resp.statusError(http.MethodDelete, table)
	}
	return nil
}

// HealthCheck probes the REST root.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !resp.ok() {
		return fmt.Errorf("health check: %w: %w", syncop.ErrTransientNetwork, resp.statusError(http.MethodGet, "/"))
	}
	return nil
}

// conflict builds a ConflictError. When the 409 body is an error document
// rather than the existing row, the row is fetched separately.
func (c *Client) conflict(ctx context.Context, entity syncop.EntityType, id string, body []byte) error {
	ce := &remotestore.ConflictError{EntityType: entity, EntityID: id}
	if row := existingRow(body); row != nil {
		ce.Existing = row
		return ce
	}

	table := c.table(entity)
	resp, err := c.doRequest(ctx, http.MethodGet, "/"+table, idFilter(id, "*"), nil)
	if err != nil || !resp.ok() {
		// The conflict stands without a snapshot; the resolver treats a
		// missing remote clock as local-newer.
		return ce
	}
	if rows, err := decodeRows(resp.body); err == nil && len(rows) > 0 {
		ce.Existing = rows[0]
	}
	return ce
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

// emptyRepresentation reports a "return=representation" answer with no rows.
func (r *response) emptyRepresentation() bool {
	if r.status == http.StatusNoContent {
		return false
	}
	return strings.TrimSpace(string(r.body)) == "[]"
}

func (r *response) statusError(method, table string) error {
	se := &remotestore.StatusError{Method: method, Table: table, StatusCode: r.status, Body: r.body}
	if r.status >= 500 || r.status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", syncop.ErrTransientNetwork, se)
	}
	return se
}

// errRemoteUnavailable is a breaker-internal failure for 5xx and 429 answers.
var errRemoteUnavailable = errors.New("remote unavailable")

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var result *response
	call := func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		result = &response{status: resp.StatusCode, body: data}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errRemoteUnavailable
		}
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	switch {
	case err == nil, errors.Is(err, errRemoteUnavailable):
		return result, nil
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", syncop.ErrTransientNetwork, err)
	}
}

func decodeRows(body []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// existingRow extracts a row from a 409 body: either a representation array
// or a single object that carries an id. Error documents yield nil.
func existingRow(body []byte) map[string]any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		rows, err := decodeRows(trimmed)
		if err != nil || len(rows) == 0 {
			return nil
		}
		return rows[0]
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil
	}
	if _, ok := obj["id"]; !ok {
		return nil
	}
	return obj
}

// withID returns payload with "id" set, copying rather than mutating.
func withID(payload map[string]any, id string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["id"]; !ok {
		out["id"] = id
	}
	return out
}

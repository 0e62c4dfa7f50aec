package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound marks a lookup miss. It is not a fault: tool handlers surface
// it to the model as a normal negative result.
var ErrNotFound = errors.New("booking: record not found")

// TransportError marks a failed exchange with the table store, as opposed to
// an empty one.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("table store: %v", e.Err)
	}
	return fmt.Sprintf("table store: status %d", e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	APIKey          string
	BaseID          string
	ArrivalsTable   string
	DeparturesTable string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
	Timeout time.Duration
}

// Client talks to the row-oriented table store holding the two booking
// tables. One Client is shared read-only by all concurrently dispatched tool
// handlers of a call; each request is an independent exchange.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.airtable.com/v0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Record is one table row. With cellFormat=string every field value arrives
// as display text.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Field returns a field as display text, or fallback when absent.
func (r Record) Field(name, fallback string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (c *Client) Table(isArrival bool) string {
	if isArrival {
		return c.cfg.ArrivalsTable
	}
	return c.cfg.DeparturesTable
}

// FindByRegistration looks up a row by exact, case-insensitive registration
// in the arrivals or departures table.
func (c *Client) FindByRegistration(ctx context.Context, registration string, isArrival bool) (Record, error) {
	formula := fmt.Sprintf(`UPPER({Registration})=UPPER("%s")`, registration)
	return c.findOne(ctx, isArrival, formula)
}

// FindByPhone searches the contact-number column for the normalized number
// and its search variant.
func (c *Client) FindByPhone(ctx context.Context, phone string, isArrival bool) (Record, error) {
	formula := fmt.Sprintf(`OR(SEARCH("%s",{Contact_Number}),SEARCH("%s",{Contact_Number}))`,
		phone, PhoneSearchVariant(phone))
	return c.findOne(ctx, isArrival, formula)
}

func (c *Client) findOne(ctx context.Context, isArrival bool, formula string) (Record, error) {
	q := url.Values{}
	q.Set("filterByFormula", formula)
	q.Set("cellFormat", "string")
	q.Set("timeZone", "Europe/London")
	q.Set("userLocale", "en-gb")

	endpoint := fmt.Sprintf("%s/%s/%s?%s",
		c.cfg.BaseURL, c.cfg.BaseID, url.PathEscape(c.Table(isArrival)), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Record{}, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Record{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		slog.Error("table_store_lookup_failed",
			"table", c.Table(isArrival),
			"status", resp.StatusCode,
			"body", string(body))
		return Record{}, &TransportError{Status: resp.StatusCode}
	}

	var payload struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Record{}, &TransportError{Err: err}
	}
	if len(payload.Records) == 0 {
		return Record{}, ErrNotFound
	}
	return payload.Records[0], nil
}

// UpdateFields patches one row. Partial: only the given fields change.
func (c *Client) UpdateFields(ctx context.Context, isArrival bool, recordID string, fields map[string]any) (Record, error) {
	body, err := json.Marshal(map[string]any{
		"records":  []map[string]any{{"id": recordID, "fields": fields}},
		"typecast": true,
	})
	if err != nil {
		return Record{}, &TransportError{Err: err}
	}

	endpoint := fmt.Sprintf("%s/%s/%s",
		c.cfg.BaseURL, c.cfg.BaseID, url.PathEscape(c.Table(isArrival)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return Record{}, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Record{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		slog.Error("table_store_patch_failed",
			"table", c.Table(isArrival),
			"record_id", recordID,
			"status", resp.StatusCode,
			"body", string(raw))
		return Record{}, &TransportError{Status: resp.StatusCode}
	}

	var payload struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Record{}, &TransportError{Err: err}
	}
	if len(payload.Records) == 0 {
		return Record{}, &TransportError{Err: errors.New("patch returned no records")}
	}
	return payload.Records[0], nil
}

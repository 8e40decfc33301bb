// Package billing talks to the usage management API that turns accumulated
// usage into charges.
package billing

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

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrBillingUnavailable = errors.New("billing_unavailable")
	ErrNotConfigured      = errors.New("billing_not_configured")
	ErrMissingHref        = errors.New("billing_missing_href")
)

// StatusError is a non-2xx answer from the billing API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("billing %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Status }

type Offering struct {
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Version      string `json:"version"`
}

// UsageNotification is one flushed accounting period of an API key.
type UsageNotification struct {
	Offering          Offering        `json:"offering"`
	Customer          string          `json:"customer"`
	TimeStamp         time.Time       `json:"time_stamp"`
	Value             decimal.Decimal `json:"value"`
	CorrelationNumber int64           `json:"correlation_number"`
	RecordType        string          `json:"record_type"`
	Unit              string          `json:"unit"`
	ComponentLabel    string          `json:"component_label"`
	Href              string          `json:"href"`
}

type Client struct {
	http           *http.Client
	usageAPI       string
	accountingBase string
	token          string
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Billing.Timeout,
		},
		usageAPI:       cfg.Billing.UsageAPIURL,
		accountingBase: cfg.Billing.AccountingBaseURL,
		token:          cfg.Billing.Token,
	}
}

// NewClientWithHTTP is used by tests to point at httptest servers.
func NewClientWithHTTP(client *http.Client, usageAPI, accountingBase string) *Client {
	return &Client{
		http:           client,
		usageAPI:       strings.TrimRight(usageAPI, "/"),
		accountingBase: strings.TrimRight(accountingBase, "/"),
	}
}

// RegisterSpecification publishes a unit's usage specification and returns
// the href the billing API assigned to it.
func (c *Client) RegisterSpecification(ctx context.Context, spec unit.Specification) (string, error) {
	if c.usageAPI == "" {
		return "", ErrNotConfigured
	}

	var created struct {
		Href string `json:"href"`
	}
	if err := c.post(ctx, "register specification", c.usageAPI+"/usageSpecification", spec, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.Href) == "" {
		return "", ErrMissingHref
	}
	return created.Href, nil
}

// SendUsage posts a usage notification for the order identified by reference.
func (c *Client) SendUsage(ctx context.Context, reference string, usage UsageNotification) error {
	if c.accountingBase == "" {
		return ErrNotConfigured
	}
	endpoint := c.accountingBase + "/" + url.PathEscape(reference) + "/accounting"
	return c.post(ctx, "send usage", endpoint, usage, nil)
}

func (c *Client) post(ctx context.Context, op, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("billing %s: encode: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("billing %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBillingUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %w", ErrBillingUnavailable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("billing %s: decode: %w", op, err)
	}
	return nil
}

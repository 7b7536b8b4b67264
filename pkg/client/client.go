// Package client is a Go client for the healthbook HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/healthbook/healthbook/internal/domain/account"
	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/platform/apierr"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("healthbook: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("healthbook: %d %s", e.Status, http.StatusText(e.Status))
}

// Is matches the apierr sentinel for the response status, so callers can
// test errors.Is(err, apierr.ErrNotFound).
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == apierr.ErrNotFound
	case http.StatusConflict:
		return target == apierr.ErrConflict
	case http.StatusBadRequest:
		return target == apierr.ErrInvalid
	case http.StatusUnauthorized:
		return target == apierr.ErrUnauthorized
	case http.StatusServiceUnavailable:
		if e.Code == apierr.CodeDegraded {
			return target == apierr.ErrDegraded
		}
		return target == apierr.ErrUnavailable
	}
	return false
}

// Forbidden reports whether err is a 403 response.
func Forbidden(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusForbidden
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = resty.NewWithClient(hc) }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets how many times idempotent reads are retried.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// Client talks to a healthbook server.
type Client struct {
	http    *resty.Client
	timeout time.Duration
	retries int

	mu    sync.RWMutex
	token string
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{http: resty.New(), timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	c.http.
		SetBaseURL(baseURL+apiPrefix).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(c.retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusServiceUnavailable
		})
	return c
}

// SetToken sets the session token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) r(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx).SetError(&apierr.Body{})
	if tok := c.Token(); tok != "" {
		req.SetAuthToken(tok)
	}
	return req
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("healthbook request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	ae := &APIError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*apierr.Body); ok && body != nil {
		ae.Code = body.Error
		ae.Message = body.Message
		ae.Fields = body.Fields
	}
	return ae
}

// Login authenticates and keeps the returned token for later requests.
func (c *Client) Login(ctx context.Context, email, password string) (account.LoginResult, error) {
	var out account.LoginResult
	resp, err := c.r(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		Post("/sessions")
	if err := check(resp, err); err != nil {
		return account.LoginResult{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

// RegisterRequest is a patient self-registration.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	GivenName   string `json:"givenName"`
	FamilyName  string `json:"familyName"`
	DateOfBirth string `json:"dateOfBirth"`
}

// Register creates a patient account.
func (c *Client) Register(ctx context.Context, in RegisterRequest) (account.Identity, error) {
	var out account.Identity
	resp, err := c.r(ctx).SetBody(in).SetResult(&out).Post("/registrations")
	if err := check(resp, err); err != nil {
		return account.Identity{}, err
	}
	return out, nil
}

// Me returns the identity behind the current token.
func (c *Client) Me(ctx context.Context) (account.Identity, error) {
	var out account.Identity
	resp, err := c.r(ctx).SetResult(&out).Get("/me")
	if err := check(resp, err); err != nil {
		return account.Identity{}, err
	}
	return out, nil
}

// ListOptions filters and pages ListPatients.
type ListOptions struct {
	Query  string
	Limit  int
	Offset int
}

// PatientPage is one page of patient records.
type PatientPage struct {
	Data    []record.PatientRecord `json:"data"`
	Total   int                    `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
	HasMore bool                   `json:"has_more"`
}

func (c *Client) ListPatients(ctx context.Context, opts ListOptions) (PatientPage, error) {
	var out PatientPage
	req := c.r(ctx).SetResult(&out)
	if opts.Query != "" {
		req.SetQueryParam("q", opts.Query)
	}
	if opts.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		req.SetQueryParam("offset", strconv.Itoa(opts.Offset))
	}
	resp, err := req.Get("/patients")
	if err := check(resp, err); err != nil {
		return PatientPage{}, err
	}
	return out, nil
}

func (c *Client) GetPatient(ctx context.Context, id string) (record.PatientRecord, error) {
	var out record.PatientRecord
	resp, err := c.r(ctx).SetResult(&out).SetPathParam("id", id).Get("/patients/{id}")
	if err := check(resp, err); err != nil {
		return record.PatientRecord{}, err
	}
	return out, nil
}

func (c *Client) CreatePatient(ctx context.Context, f record.Fields) (record.PatientRecord, error) {
	var out record.PatientRecord
	resp, err := c.r(ctx).SetBody(f).SetResult(&out).Post("/patients")
	if err := check(resp, err); err != nil {
		return record.PatientRecord{}, err
	}
	return out, nil
}

func (c *Client) UpdatePatient(ctx context.Context, id string, patch record.Patch) (record.PatientRecord, error) {
	var out record.PatientRecord
	resp, err := c.r(ctx).SetBody(patch).SetResult(&out).SetPathParam("id", id).Patch("/patients/{id}")
	if err := check(resp, err); err != nil {
		return record.PatientRecord{}, err
	}
	return out, nil
}

func (c *Client) DeletePatient(ctx context.Context, id string) error {
	resp, err := c.r(ctx).SetPathParam("id", id).Delete("/patients/{id}")
	return check(resp, err)
}

func (c *Client) AddAllergy(ctx context.Context, patientID, description string) (record.Allergy, error) {
	var out record.Allergy
	resp, err := c.r(ctx).
		SetBody(record.AllergyInput{Description: description}).
		SetResult(&out).
		SetPathParam("id", patientID).
		Post("/patients/{id}/allergies")
	if err := check(resp, err); err != nil {
		return record.Allergy{}, err
	}
	return out, nil
}

func (c *Client) RemoveAllergy(ctx context.Context, patientID, allergyID string) error {
	resp, err := c.r(ctx).
		SetPathParams(map[string]string{"id": patientID, "allergyId": allergyID}).
		Delete("/patients/{id}/allergies/{allergyId}")
	return check(resp, err)
}

func (c *Client) AddHistoryEntry(ctx context.Context, patientID string, in record.HistoryInput) (record.HistoryEntry, error) {
	var out record.HistoryEntry
	resp, err := c.r(ctx).
		SetBody(in).
		SetResult(&out).
		SetPathParam("id", patientID).
		Post("/patients/{id}/history")
	if err := check(resp, err); err != nil {
		return record.HistoryEntry{}, err
	}
	return out, nil
}

func (c *Client) RemoveHistoryEntry(ctx context.Context, patientID, entryID string) error {
	resp, err := c.r(ctx).
		SetPathParams(map[string]string{"id": patientID, "entryId": entryID}).
		Delete("/patients/{id}/history/{entryId}")
	return check(resp, err)
}

// Summary is a generated patient summary.
type Summary struct {
	PatientID   string    `json:"patientId"`
	Summary     string    `json:"summary"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func (c *Client) Summarize(ctx context.Context, patientID string) (Summary, error) {
	var out Summary
	resp, err := c.r(ctx).SetResult(&out).SetPathParam("id", patientID).Post("/patients/{id}/summary")
	if err := check(resp, err); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// Export downloads a rendered record. format is "json" or "xlsx".
func (c *Client) Export(ctx context.Context, patientID, format string) ([]byte, string, error) {
	resp, err := c.r(ctx).
		SetHeader("Accept", "*/*").
		SetPathParam("id", patientID).
		SetQueryParam("format", format).
		Get("/patients/{id}/export")
	if err := check(resp, err); err != nil {
		return nil, "", err
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

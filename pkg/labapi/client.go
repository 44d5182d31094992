// Package labapi is the client for the remote laboratory information system.
// It implements domain.LabAPI, domain.DraftRepository and domain.ArtifactStore
// over HTTP/JSON.
package labapi

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
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lab-validation-server/internal/domain"
)

const maxErrorBody = 4 << 10

// APIError is a non-2xx answer from the lab API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lab API %s %s returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("lab API %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Unwrap maps 404 and 409 onto the domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrStaleRevision
	}
	return nil
}

// Temporary reports whether the failure is on the server side and may
// succeed when repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the lab API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a new lab API client
func NewClient(config domain.LabAPIConfig, logger *logrus.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 20
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		logger:    logger,
	}
}

// FetchQueue returns the orders of one work queue.
func (c *Client) FetchQueue(ctx context.Context, kind domain.QueueKind) ([]domain.Order, error) {
	var resp wireQueue
	if err := c.doJSON(ctx, http.MethodGet, "/lab/queues/"+url.PathEscape(string(kind)), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain()
}

// FetchTestDefinition returns the parameters, ranges and critical values of a test.
func (c *Client) FetchTestDefinition(ctx context.Context, definitionID string) (*domain.TestDefinition, error) {
	var resp wireTestDefinition
	if err := c.doJSON(ctx, http.MethodGet, "/lab/test-definitions/"+url.PathEscape(definitionID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain()
}

// SaveDrafts upserts a batch of draft records remotely. On success the
// revisions returned by the server are written back into records.
func (c *Client) SaveDrafts(ctx context.Context, records []domain.DraftRecord) error {
	body := wireDraftBatch{Drafts: make([]wireDraft, 0, len(records))}
	for _, r := range records {
		body.Drafts = append(body.Drafts, draftToWire(r))
	}

	var resp wireDraftBatch
	if err := c.doJSON(ctx, http.MethodPost, "/lab/drafts", body, &resp); err != nil {
		return err
	}

	saved, err := resp.toDomain()
	if err != nil {
		return err
	}
	byKey := make(map[domain.DraftKey]domain.DraftRecord, len(saved))
	for _, s := range saved {
		byKey[s.Key()] = s
	}
	for i := range records {
		if s, ok := byKey[records[i].Key()]; ok {
			records[i].Revision = s.Revision
			records[i].UpdatedAt = s.UpdatedAt
			records[i].Status = s.Status
		}
	}
	return nil
}

// LoadDrafts returns the stored drafts of a test.
func (c *Client) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	q := url.Values{"orderId": {orderID}, "testId": {testID}}
	var resp wireDraftBatch
	if err := c.doJSON(ctx, http.MethodGet, "/lab/drafts?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain()
}

// SubmitTest marks one test as ready for validation.
func (c *Client) SubmitTest(ctx context.Context, orderID, testID string) error {
	path := fmt.Sprintf("/lab/orders/%s/tests/%s/submit", url.PathEscape(orderID), url.PathEscape(testID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// Approve validates the listed tests with the reviewer comments.
func (c *Client) Approve(ctx context.Context, orderID string, testIDs []string, comments string) error {
	body := wireApproval{TestIDs: testIDs, Comments: comments}
	return c.doJSON(ctx, http.MethodPost, "/lab/orders/"+url.PathEscape(orderID)+"/approve", body, nil)
}

// RequestRetest rejects the listed tests for re-collection.
func (c *Client) RequestRetest(ctx context.Context, orderID string, testIDs []string, reason string) error {
	body := wireRetest{TestIDs: testIDs, Reason: reason}
	return c.doJSON(ctx, http.MethodPost, "/lab/orders/"+url.PathEscape(orderID)+"/retest", body, nil)
}

// FetchReportDetail returns the consolidated payload used to render a report.
func (c *Client) FetchReportDetail(ctx context.Context, orderID string) (*domain.ReportDetail, error) {
	var resp wireReportDetail
	if err := c.doJSON(ctx, http.MethodGet, "/lab/orders/"+url.PathEscape(orderID)+"/report-detail", nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain()
}

// Upload sends a rendered report as multipart form data.
func (c *Client) Upload(ctx context.Context, artifact *domain.ReportArtifact) (*domain.UploadReceipt, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", artifact.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(artifact.Document); err != nil {
		return nil, fmt.Errorf("failed to write report document: %w", err)
	}

	testIDs, err := json.Marshal(artifact.TestIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode test ids: %w", err)
	}
	fields := map[string]string{
		"reportId":    artifact.ReportID,
		"orderId":     artifact.OrderID,
		"patientId":   artifact.PatientID,
		"treatmentId": artifact.TreatmentID,
		"testIds":     string(testIDs),
	}
	for _, name := range []string{"reportId", "orderId", "patientId", "treatmentId", "testIds"} {
		if err := w.WriteField(name, fields[name]); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/lab/reports", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp wireUploadReceipt
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.rateLimit.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lab API %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	fields := logrus.Fields{
		"method":      req.Method,
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithFields(fields).Warn("Lab API request failed")
		return &APIError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}
	c.logger.WithFields(fields).Debug("Lab API request completed")

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &domain.PayloadError{Payload: "response", Field: "body", Reason: "is empty"}
		}
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// readErrorMessage extracts {"message": "..."} or {"error": "..."} from an
// error body, falling back to the raw text.
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

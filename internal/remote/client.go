package remote

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

	"inspection-sync/internal/answers"
	"inspection-sync/internal/delivery"
	"inspection-sync/internal/drafts"
	"inspection-sync/internal/templates"
)

const maxErrorBody = 4 << 10

// Client talks to the fleet REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient constructs a client for baseURL. Every request is bounded by
// timeout.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("FLEET_API_URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid FLEET_API_URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// FetchTemplate loads the current version of a template.
func (c *Client) FetchTemplate(ctx context.Context, templateID string) (templates.Template, error) {
	var tpl templates.Template
	if err := c.do(ctx, http.MethodGet, "/templates/"+url.PathEscape(templateID), nil, nil, &tpl); err != nil {
		return templates.Template{}, err
	}
	if err := tpl.Validate(); err != nil {
		return templates.Template{}, err
	}
	return tpl, nil
}

type remoteDraft struct {
	DraftID   string          `json:"draftId"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Answers   json.RawMessage `json:"answers"`
}

// ListDrafts lists server-side drafts for the pair.
func (c *Client) ListDrafts(ctx context.Context, templateID, subjectID string) ([]drafts.RemoteDraft, error) {
	q := url.Values{}
	q.Set("template_id", templateID)
	q.Set("subject_id", subjectID)

	var resp struct {
		Drafts []remoteDraft `json:"drafts"`
	}
	if err := c.do(ctx, http.MethodGet, "/inspection-drafts?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]drafts.RemoteDraft, 0, len(resp.Drafts))
	for _, d := range resp.Drafts {
		m := answers.Map{}
		if len(d.Answers) > 0 && string(d.Answers) != "null" {
			parsed, err := answers.FromJSON(d.Answers)
			if err != nil {
				return nil, fmt.Errorf("draft %s answers: %w", d.DraftID, err)
			}
			m = parsed
		}
		out = append(out, drafts.RemoteDraft{DraftID: d.DraftID, UpdatedAt: d.UpdatedAt, Answers: m})
	}
	return out, nil
}

type submitRequest struct {
	TemplateID string            `json:"templateId"`
	SubjectID  string            `json:"subjectId"`
	Mode       delivery.Mode     `json:"mode"`
	Answers    answers.Map       `json:"answers"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// Submit delivers a draft snapshot or a final submission.
func (c *Client) Submit(ctx context.Context, s delivery.Submission) (delivery.Receipt, error) {
	body := submitRequest{
		TemplateID: s.TemplateID,
		SubjectID:  s.SubjectID,
		Mode:       s.Mode,
		Answers:    s.Answers,
		Metadata:   s.Metadata,
		EnqueuedAt: s.EnqueuedAt,
	}
	if body.Answers == nil {
		body.Answers = answers.Map{}
	}
	headers := map[string]string{"Idempotency-Key": s.IdempotencyKey}

	method, path := http.MethodPost, "/inspections/submit"
	if s.Mode == delivery.ModeDraft {
		method = http.MethodPut
		path = "/inspection-drafts/" + url.PathEscape(s.TemplateID) + "/" + url.PathEscape(s.SubjectID)
	}

	var receipt delivery.Receipt
	if err := c.do(ctx, method, path, body, headers, &receipt); err != nil {
		return delivery.Receipt{}, err
	}
	if receipt.Status == "" {
		receipt.Status = "accepted"
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = c.now()
	}
	return receipt, nil
}

// SignedURL asks the backend for a time-limited read URL.
func (c *Client) SignedURL(ctx context.Context, storageKey string, ttl time.Duration) (string, time.Time, error) {
	req := struct {
		Key        string `json:"key"`
		TTLSeconds int    `json:"ttlSeconds,omitempty"`
	}{Key: storageKey, TTLSeconds: int(ttl / time.Second)}
	var resp struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := c.do(ctx, http.MethodPost, "/media/signed-url", req, nil, &resp); err != nil {
		return "", time.Time{}, err
	}
	if resp.URL == "" {
		return "", time.Time{}, errors.New("signed url response missing url")
	}
	if resp.ExpiresAt.IsZero() {
		resp.ExpiresAt = c.now().Add(ttl)
	}
	return resp.URL, resp.ExpiresAt, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return fmt.Errorf("%s %s timeout: %w", method, path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s read body: %w", method, path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s response parse: %w", method, path, err)
	}
	return nil
}

// errorBody covers {"error":{"message":...}} and {"message":...}.
type errorBody struct {
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var parsed errorBody
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Error != nil && parsed.Error.Message != "":
			msg = parsed.Error.Message
		case parsed.Message != "":
			msg = parsed.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if delivery.RejectsPayload(status) {
		return &delivery.RejectedError{Status: status, Message: msg}
	}
	return &delivery.StatusError{Status: status, Body: msg}
}

var (
	_ templates.Fetcher   = (*Client)(nil)
	_ drafts.RemoteLister = (*Client)(nil)
	_ delivery.Submitter  = (*Client)(nil)
)

package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
)

// SendRequest is the body of a send. IdempotencyKey correlates the
// optimistic placeholder with its confirmation.
type SendRequest struct {
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	IdempotencyKey string     `json:"idempotency_key"`
	MediaRef       string     `json:"media_ref,omitempty"`
	ReplyTo        *uuid.UUID `json:"reply_to,omitempty"`
}

// Page is one newest-first slice of history.
type Page struct {
	Messages []events.MessagePayload `json:"messages"`
	HasMore  bool                    `json:"has_more"`
}

// API is the server surface the sync layer drives.
type API interface {
	SendMessage(ctx context.Context, conversationID uuid.UUID, req SendRequest) (events.MessagePayload, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, before *uuid.UUID, limit int) (Page, error)
	Archive(ctx context.Context, conversationID uuid.UUID) error
	Unarchive(ctx context.Context, conversationID uuid.UUID) error
	Leave(ctx context.Context, conversationID uuid.UUID) error
	MarkRead(ctx context.Context, conversationID uuid.UUID) error
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// APIError is a non-success response. It unwraps to the sentinel named by
// its code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	if err := sideline_errors.FromCode(e.Code); err != nil {
		return err
	}
	if e.Status >= http.StatusInternalServerError {
		return sideline_errors.ErrTransientDelivery
	}
	return nil
}

// HTTPClient talks to the JSON API with a bearer token.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return sideline_errors.Transient(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func conversationPath(id uuid.UUID, suffix string) string {
	return "/v1/conversations/" + id.String() + suffix
}

// FindOrCreateDirect returns the direct conversation with userID.
func (c *HTTPClient) FindOrCreateDirect(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var out struct {
		ID uuid.UUID `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations/direct", map[string]string{"user_id": userID.String()}, &out)
	return out.ID, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID uuid.UUID, req SendRequest) (events.MessagePayload, error) {
	var out struct {
		Message events.MessagePayload `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), req, &out)
	return out.Message, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, conversationID uuid.UUID, before *uuid.UUID, limit int) (Page, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before", before.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := conversationPath(conversationID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page Page
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *HTTPClient) Archive(ctx context.Context, conversationID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/archive"), nil, nil)
}

func (c *HTTPClient) Unarchive(ctx context.Context, conversationID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, "/archive"), nil, nil)
}

func (c *HTTPClient) Leave(ctx context.Context, conversationID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/leave"), nil, nil)
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil)
}

// StreamURL is the websocket endpoint matching baseURL.
func (c *HTTPClient) StreamURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/stream?access_token=" + url.QueryEscape(c.token)
}

var _ API = (*HTTPClient)(nil)

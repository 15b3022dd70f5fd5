// Package transport implements the chat server adapter the coordinator delivers through.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

// HTTP talks to a JSON chat API. Every message send carries the client id as
// its Idempotency-Key so a resend after a lost response is not duplicated.
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTP creates an adapter for baseURL. A nil client gets a pooled one with timeout.
func NewHTTP(baseURL, token string, timeout time.Duration, client *http.Client, logger *zap.Logger) *HTTP {
	if client == nil {
		client = SharedClient(timeout)
	}
	logger = logging.OrNop(logger)
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

// SharedClient returns an HTTP client with connection pooling.
func SharedClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

type sendRequest struct {
	ClientID    string    `json:"clientId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Body        chat.Body `json:"body"`
	CreatedAt   int64     `json:"createdAt"`
}

// SendMessage posts one message and returns the server's copy.
func (t *HTTP) SendMessage(ctx context.Context, m *chat.Message) (*chat.Message, error) {
	path := "/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	req := sendRequest{
		ClientID:    m.ClientID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt,
	}
	var out chat.Message
	if err := t.do(ctx, http.MethodPost, path, nil, m.ClientID, req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: server response has no message id", chat.ErrNetwork)
	}
	if out.ClientID == "" {
		out.ClientID = m.ClientID
	}
	return &out, nil
}

// ExecuteAction applies a read receipt, deletion or edit on the server.
func (t *HTTP) ExecuteAction(ctx context.Context, a chat.Action) error {
	base := "/conversations/" + url.PathEscape(a.Conversation())
	switch a := a.(type) {
	case chat.MarkRead:
		return t.do(ctx, http.MethodPost, base+"/read", nil, "", map[string]any{"messageIds": a.MessageIDs}, nil)
	case chat.DeleteMessage:
		return t.do(ctx, http.MethodDelete, base+"/messages/"+url.PathEscape(a.MessageID), nil, "", nil, nil)
	case chat.UpdateMessage:
		return t.do(ctx, http.MethodPatch, base+"/messages/"+url.PathEscape(a.MessageID), nil, "", map[string]any{"body": a.Body}, nil)
	default:
		return fmt.Errorf("%w: unknown action %s", chat.ErrValidation, a.Kind())
	}
}

// FetchMessages lists messages of a conversation created after since (unix ms).
func (t *HTTP) FetchMessages(ctx context.Context, conversationID string, since int64) ([]*chat.Message, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	var out struct {
		Messages []*chat.Message `json:"messages"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := t.do(ctx, http.MethodGet, path, q, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (t *HTTP) do(ctx context.Context, method, path string, query url.Values, idempotencyKey string, body, out any) error {
	if t.baseURL == "" {
		return fmt.Errorf("%w: transport.base_url is not configured", chat.ErrNetwork)
	}
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", chat.ErrValidation, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", chat.ErrValidation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", chat.ErrNetwork, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classify(resp); err != nil {
		t.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", chat.ErrNetwork, path, err)
	}
	return nil
}

// classify maps a response status onto the error taxonomy. Network failures,
// 5xx, 408 and 429 are transient; any other 4xx is a permanent rejection.
func classify(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: HTTP %d: %s", chat.ErrNetwork, resp.StatusCode, detail)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w: HTTP 404: %s", chat.ErrRejected, chat.ErrNotFound, detail)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", chat.ErrRejected, resp.StatusCode, detail)
	}
}

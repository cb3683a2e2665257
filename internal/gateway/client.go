package gateway

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

	"github.com/matheus3301/wppdesk/internal/wa"
	"go.uber.org/zap"
)

// FetchError is a non-success response from the gateway.
type FetchError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the gateway REST surface. Every request carries the bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListChats fetches one page of the generic chat list.
func (c *Client) ListChats(ctx context.Context, limit, offset int) ([]wa.WireChat, error) {
	var out []wa.WireChat
	err := c.do(ctx, http.MethodGet, "/chats", pageQuery(limit, offset), nil, &out)
	return out, err
}

// ListGroups fetches one page of the group list.
func (c *Client) ListGroups(ctx context.Context, limit, offset int) ([]wa.WireChat, error) {
	var out []wa.WireChat
	err := c.do(ctx, http.MethodGet, "/groups", pageQuery(limit, offset), nil, &out)
	for i := range out {
		out[i].IsGroup = true
	}
	return out, err
}

// ListMessages fetches the message history of a chat.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]wa.WireMessage, error) {
	var out []wa.WireMessage
	err := c.do(ctx, http.MethodGet, chatPath(chatID, "messages"), nil, nil, &out)
	return out, err
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	ID        wa.ID `json:"id"`
	MessageID wa.ID `json:"messageId"`
}

// SendText posts a text message and returns the server-assigned message id.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "messages"), nil, sendRequest{Text: text}, &resp); err != nil {
		return "", err
	}
	if resp.ID != "" {
		return string(resp.ID), nil
	}
	return string(resp.MessageID), nil
}

// MarkSeen marks every message of a chat as read.
func (c *Client) MarkSeen(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "seen"), nil, nil, nil)
}

// StartTyping shows the typing indicator in a chat.
func (c *Client) StartTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "typing/start"), nil, nil, nil)
}

// StopTyping clears the typing indicator in a chat.
func (c *Client) StopTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "typing/stop"), nil, nil, nil)
}

type pictureResponse struct {
	URL        string `json:"url"`
	ProfileURL string `json:"profilePictureUrl"`
}

// ProfilePicture returns the picture URL of a chat, empty when it has none.
func (c *Client) ProfilePicture(ctx context.Context, chatID string) (string, error) {
	var resp pictureResponse
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "picture"), nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.URL != "" {
		return resp.URL, nil
	}
	return resp.ProfileURL, nil
}

func chatPath(chatID, suffix string) string {
	return "/chats/" + url.PathEscape(chatID) + "/" + suffix
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := &FetchError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: snippet(raw)}
		c.logger.Debug("gateway request failed", zap.Error(fe))
		return fe
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return decode(raw, out)
}

// decode accepts either the bare payload or one wrapped in {"data": ...}.
func decode(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
			trimmed = env.Data
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

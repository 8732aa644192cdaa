package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gigchat/internal/history"
)

// StatusError is returned when the history endpoint answers with a non-2xx
// status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history: status %d: %s", e.Code, e.Body)
}

// HistoryClient calls the durable history REST endpoints.
type HistoryClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHistoryClient(baseURL, token string, client *http.Client) *HistoryClient {
	return &HistoryClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: client}
}

func (c *HistoryClient) History(ctx context.Context, userA, userB string) ([]history.Message, error) {
	var msgs []history.Message
	err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(userA)+"/"+url.PathEscape(userB), nil, &msgs)
	return msgs, err
}

func (c *HistoryClient) Append(ctx context.Context, req history.AppendRequest) (*history.Message, error) {
	var msg history.Message
	if err := c.do(ctx, http.MethodPost, "/history", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *HistoryClient) MarkSeen(ctx context.Context, from, to string) (int64, error) {
	var res history.SeenResponse
	err := c.do(ctx, http.MethodPatch, "/history/"+url.PathEscape(from)+"/"+url.PathEscape(to)+"/seen", nil, &res)
	return res.Updated, err
}

func (c *HistoryClient) CountUnread(ctx context.Context, userID string) (int64, error) {
	var res history.UnreadResponse
	err := c.do(ctx, http.MethodGet, "/history/unread/"+url.PathEscape(userID), nil, &res)
	return res.Count, err
}

func (c *HistoryClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

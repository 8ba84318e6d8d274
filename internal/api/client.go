// Package api is the HTTP client for the meeting server's REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Client mints room codes and probes room status.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the server at baseURL. A nil
// httpClient gets one with a ten second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// CreateMeeting asks the server for a fresh room code and share link.
func (c *Client) CreateMeeting(ctx context.Context) (*domain.Meeting, error) {
	var m domain.Meeting
	if err := c.do(ctx, http.MethodPost, "/api/create-meeting", &m); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	if m.MeetingID == "" {
		return nil, fmt.Errorf("create meeting: empty meeting id in response")
	}
	return &m, nil
}

// RoomInfo reports whether the room with the given code exists and is live.
func (c *Client) RoomInfo(ctx context.Context, code string) (*domain.RoomInfo, error) {
	var info domain.RoomInfo
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(code), &info); err != nil {
		return nil, fmt.Errorf("room info %s: %w", code, err)
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

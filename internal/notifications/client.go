package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cargoline/opsdash/internal/logger"
)

// ErrUnauthorized is wrapped by HTTPError for 401 responses.
var ErrUnauthorized = errors.New("credential rejected")

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("notifications api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("notifications api returned status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type listResponse struct {
	Notifications []json.RawMessage `json:"notifications"`
	UnreadCount   int               `json:"unreadCount"`
}

// Client talks to the notifications REST endpoints on behalf of one credential.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
	now        func() time.Time
}

// NewClient creates a REST client. A nil httpClient gets a 15 second timeout.
func NewClient(baseURL, token string, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     log.WithComponent("notifications-client"),
		now:        time.Now,
	}
}

// List fetches notifications. A nil after returns the full snapshot; otherwise
// only notifications newer than after are requested.
func (c *Client) List(ctx context.Context, after *time.Time) (Page, error) {
	endpoint := c.baseURL + "/notifications"
	if after != nil {
		q := url.Values{}
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
		endpoint += "?" + q.Encode()
	}

	var body listResponse
	if err := c.do(ctx, http.MethodGet, endpoint, &body); err != nil {
		return Page{}, err
	}

	now := c.now()
	page := Page{
		Notifications: make([]Notification, 0, len(body.Notifications)),
		UnreadCount:   max(body.UnreadCount, 0),
	}
	for _, raw := range body.Notifications {
		n, ok := NormalizeJSON(raw, now)
		if !ok {
			page.Dropped++
			continue
		}
		page.Notifications = append(page.Notifications, n)
	}

	c.logger.Debug("listed notifications",
		slog.Bool("incremental", after != nil),
		slog.Int("count", len(page.Notifications)),
		slog.Int("dropped", page.Dropped),
		slog.Int("unread_count", page.UnreadCount))

	return page, nil
}

// MarkRead acknowledges a notification as read on the server.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/notifications/%s/read", c.baseURL, url.PathEscape(id))
	return c.do(ctx, http.MethodPatch, endpoint, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", logger.GenerateRequestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

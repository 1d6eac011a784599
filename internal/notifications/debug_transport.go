package notifications

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cargoline/opsdash/internal/logger"
)

// maxLoggedBody bounds how much of a response body is logged.
const maxLoggedBody = 2048

// LoggingTransport wraps http.RoundTripper to log notification API requests
// and responses at debug level. The credential is never logged.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *logger.Logger
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	log := t.Logger.WithContext(req.Context()).With(
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.String("request_id", req.Header.Get("X-Request-ID")),
		slog.String("authorization", redact(req.Header.Get("Authorization"))),
	)

	start := time.Now()
	resp, err := transport.RoundTrip(req)
	if err != nil {
		log.Debug("notifications api request failed",
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, err
	}

	attrs := []any{
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	}
	if resp.Body != nil {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			logged := bodyBytes
			if len(logged) > maxLoggedBody {
				logged = logged[:maxLoggedBody]
			}
			attrs = append(attrs, slog.String("body", string(logged)))
		}
		// Restore body for caller
		resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	log.Debug("notifications api response", attrs...)

	return resp, nil
}

func redact(authorization string) string {
	if authorization == "" {
		return ""
	}
	if len(authorization) <= 16 {
		return "[redacted]"
	}
	return authorization[:10] + "..." + authorization[len(authorization)-4:]
}

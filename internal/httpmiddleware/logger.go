package httpmiddleware

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RoundTripperFunc is a function that implements http.RoundTripper
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

const redacted = "[REDACTED]"

// Logger creates a logging middleware for http.RoundTripper.
// maxBodySize controls body logging:
//   - 0: no body logging
//   - -1: log entire body
//   - >0: log first N bytes of body
//
// Request signatures and api keys never reach the log.
func Logger(logger *slog.Logger, maxBodySize int) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			logRequest(logger, req, maxBodySize)

			start := time.Now()
			resp, err := next.RoundTrip(req)
			duration := time.Since(start)

			if err != nil {
				logger.Error("HTTP request failed",
					slog.String("method", req.Method),
					slog.String("path", req.URL.Path),
					slog.Duration("duration", duration),
					slog.Any("error", err))

				return resp, err
			}

			logResponse(logger, req, resp, duration, maxBodySize)

			return resp, nil
		})
	}
}

func logRequest(logger *slog.Logger, req *http.Request, maxBodySize int) {
	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("host", req.URL.Host),
	}

	if len(req.Header) > 0 {
		attrs = append(attrs, slog.Any("headers", headerGroup(req.Header)))
	}

	if req.URL.RawQuery != "" {
		attrs = append(attrs, slog.String("query", RedactQuery(req.URL.RawQuery)))
	}

	if maxBodySize != 0 && req.Body != nil && req.Body != http.NoBody {
		body, err := readBody(req.Body, maxBodySize)
		if err == nil && len(body) > 0 {
			req.Body = io.NopCloser(bytes.NewBuffer(body))
			attrs = append(attrs, slog.String("body", RedactQuery(string(body))))
		}
	}

	logger.LogAttrs(req.Context(), slog.LevelDebug, "📤 HTTP Request", attrs...)
}

func logResponse(logger *slog.Logger, req *http.Request, resp *http.Response, duration time.Duration, maxBodySize int) {
	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
	}

	if used := resp.Header.Get("X-Mbx-Used-Weight-1m"); used != "" {
		attrs = append(attrs, slog.String("used_weight_1m", used))
	}

	if maxBodySize != 0 && resp.Body != nil {
		body, err := readBody(resp.Body, maxBodySize)
		if err == nil && len(body) > 0 {
			resp.Body = io.NopCloser(bytes.NewBuffer(body))
			attrs = append(attrs, slog.String("body", string(body)))
		}
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}

	if resp.StatusCode >= 500 {
		level = slog.LevelError
	}

	logger.LogAttrs(req.Context(), level, "📥 HTTP Response", attrs...)
}

func headerGroup(h http.Header) slog.Value {
	headerAttrs := make([]slog.Attr, 0, len(h))
	for k, v := range h {
		if isSensitiveHeader(k) {
			headerAttrs = append(headerAttrs, slog.String(k, redacted))
		} else {
			headerAttrs = append(headerAttrs, slog.String(k, strings.Join(v, ", ")))
		}
	}
	return slog.GroupValue(headerAttrs...)
}

// readBody reads the body up to maxBodySize bytes
func readBody(body io.ReadCloser, maxBodySize int) ([]byte, error) {
	defer body.Close()

	if maxBodySize == -1 {
		return io.ReadAll(body)
	}

	// The remainder is dropped, so callers must only log bodies they no longer need in full.
	buf, err := io.ReadAll(io.LimitReader(body, int64(maxBodySize)))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return buf, nil
}

// RedactQuery masks signed request parameters in a url-encoded string.
func RedactQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}

	changed := false
	for k := range values {
		if isSensitiveParam(k) {
			values.Set(k, redacted)
			changed = true
		}
	}

	if !changed {
		return raw
	}

	return values.Encode()
}

func isSensitiveParam(name string) bool {
	switch strings.ToLower(name) {
	case "signature", "apikey", "api_key", "listenkey", "secret":
		return true
	}
	return false
}

// isSensitiveHeader checks if header contains sensitive information
func isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"set-cookie",
		"x-api-key",
		"x-mbx-apikey",
		"x-auth-token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if lowerName == sensitive {
			return true
		}
	}

	return false
}

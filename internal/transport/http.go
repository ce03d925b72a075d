package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kasirinaja/kiosk/internal/apperrors"
)

const maxResponseBytes = 4 << 20

type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTP builds a transport for baseURL. timeout bounds every call that
// arrives without its own deadline.
func NewHTTP(baseURL string, token string, timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "transport")),
	}
}

func (t *HTTPTransport) Call(ctx context.Context, endpoint string, method string, body any) (json.RawMessage, error) {
	op := method + " " + endpoint

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Invalid("body", fmt.Sprintf("encode %s: %v", op, err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+endpoint, reader)
	if err != nil {
		return nil, apperrors.Invalid("endpoint", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("call failed", slog.String("op", op), slog.Duration("latency", time.Since(start)), slog.Any("error", err))
		return nil, &apperrors.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &apperrors.TransientNetworkError{Op: op, Err: err}
	}
	t.logger.Debug("call completed", slog.String("op", op), slog.Int("status", resp.StatusCode), slog.Duration("latency", time.Since(start)))

	if err := classifyStatus(op, resp.StatusCode, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (t *HTTPTransport) Ping(ctx context.Context) error {
	_, err := t.Call(ctx, "/health", http.MethodGet, nil)
	return err
}

// classifyStatus maps HTTP status codes onto the sync error taxonomy. Auth
// failures are transient: the token is refreshed outside the kiosk.
func classifyStatus(op string, status int, raw []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &apperrors.TransientNetworkError{Op: op, StatusCode: status, Err: apperrors.ErrUnauthorized}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &apperrors.TransientNetworkError{Op: op, StatusCode: status}
	default:
		return &apperrors.ServerRejection{Op: op, StatusCode: status, Message: errorMessage(raw)}
	}
}

func errorMessage(raw []byte) string {
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// IsNotFound reports a 404 rejection, which duplicate-detection queries treat
// as "no existing record".
func IsNotFound(err error) bool {
	var rej *apperrors.ServerRejection
	return errors.As(err, &rej) && rej.StatusCode == http.StatusNotFound
}

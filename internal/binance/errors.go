package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"futures_copier/internal/exception"
)

// Коды Binance, которые означают проблему с ключами
const (
	codeRejectedMbxKey   = -2015
	codeBadAPIKeyFmt     = -2014
	codeInvalidSignature = -1022
	codeInvalidTimestamp = -1021
)

// classifyResponse оборачивает ответ с ошибкой ровно одним sentinel.
// fallback используется для прочих 4xx и зависит от вызова.
func classifyResponse(op string, status int, body []byte, fallback error) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	msg := apiErr.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	lower := strings.ToLower(msg)

	var sentinel error
	switch {
	case status == http.StatusUnavailableForLegalReasons || strings.Contains(lower, "restricted location"):
		sentinel = exception.ErrRegionRestricted
	case status == http.StatusUnauthorized,
		apiErr.Code == codeRejectedMbxKey,
		apiErr.Code == codeBadAPIKeyFmt,
		apiErr.Code == codeInvalidSignature,
		strings.Contains(lower, "invalid api"):
		sentinel = exception.ErrCredential
	case status == http.StatusTooManyRequests, status == http.StatusTeapot, status >= 500,
		apiErr.Code == codeInvalidTimestamp:
		sentinel = exception.ErrTransientNetwork
	default:
		sentinel = fallback
	}

	if apiErr.Code != 0 {
		return fmt.Errorf("%w: %s: binance code %d: %s", sentinel, op, apiErr.Code, msg)
	}
	return fmt.Errorf("%w: %s: http %d: %s", sentinel, op, status, msg)
}

// classifyTransport оборачивает ошибку транспорта; отмена контекста пробрасывается как есть
func classifyTransport(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", exception.ErrTransientNetwork, op, err)
}

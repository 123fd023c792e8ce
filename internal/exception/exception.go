package exception

import (
	"context"
	"errors"
)

// Классы ошибок copy trading. Каждая граница ввода-вывода оборачивает ошибку ровно в один из них.
var (
	ErrCredential         = errors.New("credential: missing or invalid api credentials")
	ErrRegionRestricted   = errors.New("region: exchange denies access from this location")
	ErrTransientNetwork   = errors.New("network: transient failure")
	ErrSizingUnavailable  = errors.New("sizing: price or balance unavailable")
	ErrOrderRejected      = errors.New("order: rejected by exchange")
	ErrInternalInvariant  = errors.New("internal: invariant violated")
	ErrAccountNotFound    = errors.New("account: not found")
	ErrInvalidAccount     = errors.New("account: invalid record")
	ErrSubscriptionClosed = errors.New("stream: subscription closed")
)

// Kind - класс ошибки для логов и статуса
type Kind string

const (
	KindNone             Kind = ""
	KindCredential       Kind = "credential"
	KindRegionRestricted Kind = "region_restricted"
	KindTransient        Kind = "transient_network"
	KindSizing           Kind = "sizing_unavailable"
	KindOrderRejected    Kind = "order_rejected"
	KindInvariant        Kind = "internal_invariant"
	KindCanceled         Kind = "canceled"
	KindUnknown          Kind = "unknown"
)

// Classify относит err к одному из классов
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCredential):
		return KindCredential
	case errors.Is(err, ErrRegionRestricted):
		return KindRegionRestricted
	case errors.Is(err, ErrInternalInvariant):
		return KindInvariant
	case errors.Is(err, ErrOrderRejected):
		return KindOrderRejected
	case errors.Is(err, ErrSizingUnavailable):
		return KindSizing
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, ErrSubscriptionClosed),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// IsRetryable - можно ли автоматически повторить операцию, упавшую с err
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// IsFatal - нужна ли перенастройка аккаунта, прежде чем им снова пользоваться
func IsFatal(err error) bool {
	switch Classify(err) {
	case KindCredential, KindRegionRestricted, KindInvariant:
		return true
	default:
		return false
	}
}

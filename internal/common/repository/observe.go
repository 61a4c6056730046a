package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
)

// Op identifies a store operation in metrics and logs
type Op struct {
	Collection string
	Name       string
}

// SlowOp is the duration above which a successful operation is logged
var SlowOp = 250 * time.Millisecond

// Observe runs fn as op. Driver errors are translated before the result is
// recorded, so a missing document counts as not_found and is not logged.
func Observe[T any](ctx context.Context, op Op, fn func() (T, error)) (T, error) {
	began := time.Now()
	v, err := fn()
	err = Translate(err)
	elapsed := time.Since(began)

	result := resultOf(err)
	metrics.StoreLatency.WithLabelValues(op.Collection, op.Name).Observe(elapsed.Seconds())
	metrics.StoreLookups.WithLabelValues(op.Collection, op.Name, result).Inc()

	switch {
	case err != nil && result != resultNotFound:
		slog.ErrorContext(ctx, "Store operation failed",
			"collection", op.Collection,
			"operation", op.Name,
			"elapsedMs", elapsed.Milliseconds(),
			"error", err)
	case err == nil && elapsed > SlowOp:
		slog.WarnContext(ctx, "Slow store operation",
			"collection", op.Collection,
			"operation", op.Name,
			"elapsedMs", elapsed.Milliseconds())
	}
	return v, err
}

// Do is Observe for operations without a value
func Do(ctx context.Context, op Op, fn func() error) error {
	_, err := Observe(ctx, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

const (
	resultOK        = "ok"
	resultNotFound  = "not_found"
	resultDuplicate = "duplicate"
	resultTimeout   = "timeout"
	resultCanceled  = "canceled"
	resultError     = "error"
)

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrNotFound):
		return resultNotFound
	case errors.Is(err, ErrDuplicateKey):
		return resultDuplicate
	case errors.Is(err, context.DeadlineExceeded):
		return resultTimeout
	case errors.Is(err, context.Canceled):
		return resultCanceled
	default:
		return resultError
	}
}

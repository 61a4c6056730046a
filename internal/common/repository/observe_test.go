package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
)

func TestObserve_NoDocumentsIsNotFound(t *testing.T) {
	op := Op{Collection: "subscriptions", Name: "observe-not-found"}

	_, err := Observe(context.Background(), op, func() (int, error) {
		return 0, fmt.Errorf("lookup: %w", mongo.ErrNoDocuments)
	})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreLookups.WithLabelValues(op.Collection, op.Name, resultNotFound)))
}

func TestObserve_ReturnsValue(t *testing.T) {
	op := Op{Collection: "dispatch_pools", Name: "observe-ok"}

	got, err := Observe(context.Background(), op, func() (string, error) { return "pool", nil })

	assert.NoError(t, err)
	assert.Equal(t, "pool", got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreLookups.WithLabelValues(op.Collection, op.Name, resultOK)))
}

func TestDo_PassesErrorThrough(t *testing.T) {
	boom := errors.New("boom")
	err := Do(context.Background(), Op{Collection: "dispatch_pools", Name: "create_index"}, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestResultOf(t *testing.T) {
	cases := map[string]error{
		resultOK:        nil,
		resultNotFound:  ErrNotFound,
		resultDuplicate: fmt.Errorf("insert: %w", ErrDuplicateKey),
		resultTimeout:   context.DeadlineExceeded,
		resultCanceled:  context.Canceled,
		resultError:     errors.New("socket closed"),
	}
	for want, err := range cases {
		assert.Equal(t, want, resultOf(err), want)
	}
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, Translate(nil))
	assert.ErrorIs(t, Translate(mongo.ErrNoDocuments), ErrNotFound)
	other := errors.New("other")
	assert.Equal(t, other, Translate(other))
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Failure
	}{
		{nil, FailureNone},
		{ErrInvalidAmount, FailureInvalidRequest},
		{fmt.Errorf("get stock 7: %w", ErrNotFound), FailureNotFound},
		{ErrInsufficientStock, FailureInsufficientStock},
		{fmt.Errorf("after 3 retries: %w", ErrConflict), FailureConflict},
		{fmt.Errorf("row lock: %w", ErrLockTimeout), FailureLockTimeout},
		{fmt.Errorf("redis: %w", ErrCoordinatorUnavailable), FailureCoordinatorUnavailable},
		{context.Canceled, FailureCanceled},
		{errors.New("boom"), FailureInternal},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "classify %v", tc.err)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("cas: %w", ErrConflict)))
	assert.True(t, Retryable(ErrLockTimeout))
	assert.False(t, Retryable(ErrInsufficientStock))
	assert.False(t, Retryable(ErrCoordinatorUnavailable))
	assert.False(t, Retryable(ErrNotFound))
}

func TestDecrementRequest_Validate(t *testing.T) {
	assert.NoError(t, DecrementRequest{ID: "1", Amount: 1}.Validate())
	assert.ErrorIs(t, DecrementRequest{Amount: 1}.Validate(), ErrInvalidID)
	assert.ErrorIs(t, DecrementRequest{ID: "1"}.Validate(), ErrInvalidAmount)
	assert.ErrorIs(t, DecrementRequest{ID: "1", Amount: -2}.Validate(), ErrInvalidAmount)
}

func TestLockToken_Expired(t *testing.T) {
	now := time.Now()

	assert.False(t, LockToken{}.Expired(now), "token without lease never expires")
	assert.False(t, LockToken{Expiry: now.Add(time.Second)}.Expired(now))
	assert.True(t, LockToken{Expiry: now}.Expired(now))
}

func TestStockRecord_CanDecrement(t *testing.T) {
	rec := StockRecord{ID: "2", Quantity: 5}

	assert.True(t, rec.CanDecrement(5))
	assert.False(t, rec.CanDecrement(6))
	assert.False(t, rec.CanDecrement(0))
}

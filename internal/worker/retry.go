package worker

import (
	"errors"
	"time"

	"github.com/prudhvinik1/flowsync/internal/conflict"
	"github.com/prudhvinik1/flowsync/internal/entities"
)

// RetryPolicy bounds the exponential backoff applied to failed operations.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// Delay returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	return min(delay, p.MaxDelay)
}

// Decision is what the worker does with a failed operation.
type Decision struct {
	Terminal   bool
	RetryCount int
	Delay      time.Duration
}

// Decide is called with the retry count the operation had when it failed.
func (p RetryPolicy) Decide(retryCount int, err error) Decision {
	if IsPermanent(err) || retryCount+1 >= p.MaxRetries {
		return Decision{Terminal: true, RetryCount: min(retryCount+1, p.MaxRetries)}
	}
	return Decision{RetryCount: retryCount + 1, Delay: p.Delay(retryCount)}
}

// IsPermanent reports errors that no amount of retrying will fix.
func IsPermanent(err error) bool {
	return errors.Is(err, entities.ErrUnsupportedOperation) ||
		errors.Is(err, entities.ErrInvalidPayload) ||
		errors.Is(err, entities.ErrOwnership) ||
		errors.Is(err, conflict.ErrUnknownConflictType)
}

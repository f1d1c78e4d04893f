package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"channelverify/internal/delivery"
	"channelverify/internal/entity"
	"channelverify/internal/repository"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrGeneration            = errors.New("secure token generation failed")
	ErrBackendResolution     = delivery.ErrBackendResolution
	ErrDelivery              = errors.New("verification delivery failed")
	ErrStorage               = errors.New("verification storage failed")
	ErrRecipientPending      = repository.ErrRecipientPending
	ErrNoPendingVerification = errors.New("no pending verification")
	ErrRetryUnavailable      = errors.New("delivery retry unavailable")
)

// DeliveryError reports a failed send after the token was persisted. The
// token stays valid; Retry sends the same code once more.
type DeliveryError struct {
	TokenID uuid.UUID
	Channel entity.ChannelKind
	Err     error

	mu    sync.Mutex
	retry func(ctx context.Context) error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %v", ErrDelivery, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// Retry re-sends the original code. After a successful retry the code is
// released and further calls return ErrRetryUnavailable.
func (e *DeliveryError) Retry(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retry == nil {
		return ErrRetryUnavailable
	}
	if err := e.retry(ctx); err != nil {
		return err
	}
	e.retry = nil
	return nil
}

// Discard drops the held code without sending it.
func (e *DeliveryError) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retry = nil
}

func storageError(err error) error {
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

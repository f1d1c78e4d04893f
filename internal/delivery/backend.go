// Package delivery sends verification messages over SMS and email transports.
package delivery

import (
	"context"
	"errors"
)

var ErrBackendResolution = errors.New("delivery backend resolution failed")

// Message is what a backend delivers. SMS transports send Text only; email
// transports use Subject, Text and, when present, HTML.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Backend is the single capability every transport implements.
type Backend interface {
	Send(ctx context.Context, message Message, recipient string) error
}

// runWithContext bounds a blocking call that does not accept a context. The
// call keeps running in the background if ctx ends first.
func runWithContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

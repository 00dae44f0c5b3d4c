// Package send defines the delivery capability consumed by message nodes.
// Channel delivery itself is owned by an external collaborator.
package send

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/courier/pkg/models"
)

// Message is one piece of content addressed to a contact.
type Message struct {
	To             string
	Content        string
	MediaURL       string
	NodeID         string
	ConversationID string
	ExecutionID    string
}

// Sender delivers a message and returns its receipt. Errors are retryable
// unless wrapped in a PermanentError.
type Sender interface {
	Send(ctx context.Context, msg Message) (models.DeliveryReceipt, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) (models.DeliveryReceipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (models.DeliveryReceipt, error) {
	return f(ctx, msg)
}

// ErrPermanent marks a delivery that must not be retried.
var ErrPermanent = errors.New("permanent delivery failure")

// TransientError is a delivery failure worth retrying (timeout, channel down).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a delivery failure that retrying cannot fix
// (invalid recipient, explicit rejection).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure: %s: %v", e.Reason, e.Err)
	}

	return "permanent delivery failure: " + e.Reason
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func (e *PermanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err as a non-retryable delivery error.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// Transient wraps err as a retryable delivery error.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsPermanent reports whether err was explicitly tagged permanent. Any other
// error from a Sender is treated as retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

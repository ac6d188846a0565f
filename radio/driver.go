package radio

import (
	"context"
	"errors"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("radio driver closed")

// Driver is the boundary to the radio daemon. Submit must not block on the
// radio: the outcome of a command arrives later through deliver, in order
// per address. Delivery is at-least-once.
type Driver interface {
	Start(ctx context.Context, deliver func(Event)) error
	Submit(cmd Command) error
	Close() error
}

// Submitter is the half of Driver the state machines use.
type Submitter interface {
	Submit(cmd Command) error
}

// Package channel provides the bidirectional signalling channel between the
// host and its companion process.
//
// [Channel] is the contract the supervisor depends on. [SocketChannel]
// implements it over a unix socket carrying newline-delimited JSON frames,
// and [Client] is the companion side of the same protocol.
//
// Frames arriving from the companion are read on background goroutines but
// only take effect when the host loop calls [SocketChannel.Pump]: a
// companion's registration becomes visible to IsConnected during a pump, and
// inbound requests are handed to the registered handler on the host thread.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"
)

var (
	// ErrNotConnected is returned when no companion is registered under the name
	ErrNotConnected = errors.New("companion not connected")
	// ErrClosed is returned after the channel has been closed
	ErrClosed = errors.New("channel closed")
)

// Channel is the host's view of the companion connection
type Channel interface {
	// Spawn starts the companion bootstrap script
	Spawn(scriptPath string) (*Process, error)
	// WaitForConnection yields the connection state once per step until
	// the companion is connected or timeout elapses. The final value is the
	// outcome. Consumers hand control back to the host between steps.
	WaitForConnection(name string, timeout time.Duration) iter.Seq[bool]
	// IsConnected reports whether the named companion has registered
	IsConnected(name string) bool
	// CallAsync sends a one-way call. No reply, no delivery confirmation.
	CallAsync(name, service string, args ...any) error
	// CallSync sends a call and waits for the companion's reply
	CallSync(ctx context.Context, name, service string, args ...any) (json.RawMessage, error)
}

// Inbound is a request the companion sent to the host
type Inbound struct {
	Name    string          // Companion that sent it
	Type    string          // Frame type, e.g. "import"
	Payload json.RawMessage // Frame payload
}

// InboundHandler processes an inbound request on the host thread
type InboundHandler func(Inbound)

// PollConnection is the cooperative wait shared by channel implementations.
// It yields false while isConnected is false and the deadline has not
// passed, then yields the final state once.
func PollConnection(isConnected func() bool, timeout time.Duration, now func() time.Time) iter.Seq[bool] {
	if now == nil {
		now = time.Now
	}
	return func(yield func(bool) bool) {
		// time.Now carries a monotonic reading, so the deadline is immune
		// to wall-clock jumps
		deadline := now().Add(timeout)
		for {
			connected := isConnected()
			if connected || !now().Before(deadline) {
				yield(connected)
				return
			}
			if !yield(false) {
				return
			}
		}
	}
}

package transports

import (
	"context"

	"github.com/voxlabs/voicebridge/pkg/frames"
)

// Transport is the vendor-agnostic I/O boundary for audio/text/control
// frames. Implementations own their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g.,
// webhook URLs) for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

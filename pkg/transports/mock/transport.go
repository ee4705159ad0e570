package mock

import (
	"context"
	"sync"

	"github.com/voxlabs/voicebridge/pkg/frames"
	"github.com/voxlabs/voicebridge/pkg/transports"
)

// Transport is an in-memory transport for tests: inbound frames are
// injected with Inject, outbound frames are captured.
type Transport struct {
	recvCh chan frames.Frame
	mu     sync.Mutex
	sent   []frames.Frame
	once   sync.Once
}

func New() *Transport {
	return &Transport{recvCh: make(chan frames.Frame, 256)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error { return nil }

func (t *Transport) Stop() error {
	t.once.Do(func() { close(t.recvCh) })
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
	return nil
}

// Inject delivers a frame as if it arrived from the network.
func (t *Transport) Inject(f frames.Frame) {
	t.recvCh <- f
}

// Sent returns captured outbound frames.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

var _ transports.Transport = (*Transport)(nil)

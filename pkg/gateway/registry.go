package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/session"
)

type SessionFactory func(streamID string, source stt.Source) *session.Session

// SessionRegistry tracks live sessions keyed by stream ID. A draining
// registry refuses new sessions so shutdown can complete.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

func (r *SessionRegistry) GetOrCreate(streamID string, source stt.Source) (*session.Session, bool) {
	if streamID == "" {
		return nil, false
	}
	if v, ok := r.sessions.Load(streamID); ok {
		return v.(*session.Session), false
	}
	if r.draining.Load() {
		return nil, false
	}
	sess := r.factory(streamID, source)
	actual, loaded := r.sessions.LoadOrStore(streamID, sess)
	if loaded {
		sess.Close("superseded")
		return actual.(*session.Session), false
	}
	r.count.Add(1)
	return sess, true
}

func (r *SessionRegistry) Get(streamID string) (*session.Session, bool) {
	if v, ok := r.sessions.Load(streamID); ok {
		return v.(*session.Session), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(streamID, reason string) {
	if v, ok := r.sessions.LoadAndDelete(streamID); ok {
		sess := v.(*session.Session)
		sess.Close(reason)
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) CloseAll(reason string) {
	r.sessions.Range(func(key, value any) bool {
		if streamID, ok := key.(string); ok {
			r.Remove(streamID, reason)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

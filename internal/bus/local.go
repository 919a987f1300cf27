package bus

import (
	"context"
	"sync"
)

// Local is an in-process Bus. A server running on it only reaches connections
// it holds itself; tests share one Local between several hubs to stand in for
// several instances.
type Local struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

// Publish delivers synchronously to every handler.
func (l *Local) Publish(_ context.Context, env Envelope) error {
	l.mu.RLock()
	hs := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.RUnlock()
	metricEnvelopes.WithLabelValues("out").Inc()
	for _, h := range hs {
		metricEnvelopes.WithLabelValues("in").Inc()
		h(env)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.handlers[id] = h
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}()
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Close() error {
	l.mu.Lock()
	l.handlers = make(map[int]Handler)
	l.mu.Unlock()
	return nil
}

package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

const (
	outboxSize   = 64
	writeTimeout = 5 * time.Second
	flushTimeout = time.Second
)

var (
	errSlowConsumer = errors.New("outbound queue full")
	errConnClosed   = errors.New("connection closed")
)

// outbox owns the write side of one socket. push never blocks: frames queue
// for the writer goroutine, and a full queue closes the connection. Hub
// deliveries run on the bus goroutine, so a stalled client must not hold it.
type outbox struct {
	write   func(ctx context.Context, b []byte) error
	close   func(code ws.StatusCode, reason string) error
	timeout time.Duration

	queue chan []byte
	done  chan struct{}
	once  sync.Once

	code   ws.StatusCode
	reason string
}

func newOutbox(size int, timeout time.Duration,
	write func(ctx context.Context, b []byte) error,
	closeFn func(code ws.StatusCode, reason string) error) *outbox {
	o := &outbox{
		write:   write,
		close:   closeFn,
		timeout: timeout,
		queue:   make(chan []byte, size),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) push(b []byte) error {
	select {
	case <-o.done:
		return errConnClosed
	default:
	}
	select {
	case o.queue <- b:
		return nil
	default:
		metricSlowConsumers.Inc()
		o.shutdown(ws.StatusPolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

// shutdown asks the writer to flush what is queued and close the socket. Only
// the first call's status is used.
func (o *outbox) shutdown(code ws.StatusCode, reason string) {
	o.once.Do(func() {
		o.code = code
		o.reason = reason
		close(o.done)
	})
}

func (o *outbox) run() {
	for {
		// A pending shutdown wins over queued frames; flush bounds the rest.
		select {
		case <-o.done:
			o.finish()
			return
		default:
		}
		select {
		case b := <-o.queue:
			if err := o.send(b, o.timeout); err != nil {
				o.shutdown(ws.StatusGoingAway, "write failed")
			}
		case <-o.done:
			o.finish()
			return
		}
	}
}

func (o *outbox) finish() {
	o.flush()
	_ = o.close(o.code, o.reason)
}

// flush writes what is still queued, bounded by flushTimeout in total.
func (o *outbox) flush() {
	deadline := time.Now().Add(flushTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		select {
		case b := <-o.queue:
			if err := o.send(b, left); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (o *outbox) send(b []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.write(ctx, b)
}

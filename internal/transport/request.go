package transport

import (
	"context"
	"sync"
)

// Request is the completion handle of a correlated send. It resolves with the
// next unmatched inbound payload in send order, or fails.
type Request struct {
	once sync.Once
	done chan struct{}
	resp []byte
	err  error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

// Done is closed once the request has completed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the response arrives, the request fails, or ctx ends.
// A ctx error leaves the request queued.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Request) resolve(resp []byte) {
	r.once.Do(func() {
		r.resp = resp
		close(r.done)
	})
}

func (r *Request) reject(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

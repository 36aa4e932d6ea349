package imagestore

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed mirrors the teacher's pool.ErrPoolIsClosing sentinel:
// callers racing a Shutdown get a typed error, not a panic or a silent
// hang.
var ErrPoolClosed = errors.New("imagestore: work pool is closed")

// WorkPool bounds concurrent CPU-heavy work (layer extraction, hashing) to
// a fixed number of goroutines, the blocking thread pool spec.md §5 calls
// for. Grounded on pool/containerpool.go's ContainerPool, generalized from
// pooling live containers to gating access to a fixed number of worker
// slots via a buffered channel of tokens.
type WorkPool struct {
	tokens  chan struct{}
	mu      sync.Mutex
	closed  bool
}

func NewWorkPool(size int) *WorkPool {
	if size < 1 {
		size = 1
	}
	return &WorkPool{tokens: make(chan struct{}, size)}
}

// Do runs fn once a slot is free, or returns ctx.Err()/ErrPoolClosed if
// that happens first.
func (p *WorkPool) Do(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.tokens }()
	return fn()
}

// Shutdown marks the pool closed; in-flight Do calls still complete.
func (p *WorkPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

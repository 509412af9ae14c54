package embedding

import (
	"context"
	"io"
	"sync"

	"github.com/example/face-verify/internal/imagecodec"
)

// Lazy defers construction of a Provider until the first extraction and
// shares the result with every later caller. A failed initialization is
// returned to the caller that triggered it and attempted again on the next
// extraction; once one succeeds the factory is never called again.
type Lazy struct {
	mu      sync.Mutex
	factory func(ctx context.Context) (Provider, error)
	current Provider
}

// NewLazy wraps factory.
func NewLazy(factory func(ctx context.Context) (Provider, error)) *Lazy {
	return &Lazy{factory: factory}
}

// Extract initializes the provider if needed and delegates to it.
func (l *Lazy) Extract(ctx context.Context, img *imagecodec.Image) (*Face, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Extract(ctx, img)
}

// Ready reports whether the provider has been initialized.
func (l *Lazy) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil
}

// Close releases the underlying provider when it holds resources.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	closer, ok := l.current.(io.Closer)
	if !ok {
		return nil
	}
	l.current = nil
	return closer.Close()
}

func (l *Lazy) get(ctx context.Context) (Provider, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return l.current, nil
	}
	p, err := l.factory(ctx)
	if err != nil {
		return nil, err
	}
	l.current = p
	return p, nil
}

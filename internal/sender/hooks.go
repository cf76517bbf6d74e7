package sender

import (
	"context"
	"errors"
	"sync"

	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/classify"
)

// ErrSkip is returned by a fetch hook to drop the delivery: it is
// released with a "skipped" status, no attempt is made and no bounce is
// generated.
var ErrSkip = errors.New("sender: delivery skipped by hook")

// HookError lets a hook dictate the classification of the delivery it
// failed instead of the default deferral.
type HookError struct {
	Action   classify.Action
	Response string
	Err      error
}

func (e *HookError) Error() string {
	if e.Response != "" {
		return e.Response
	}
	return e.Err.Error()
}

func (e *HookError) Unwrap() error { return e.Err }

// FetchHook runs right after a delivery is leased, before any network
// work, and may mutate the delivery. ErrSkip drops the delivery, any
// other error is classified with category=plugin.
type FetchHook func(ctx context.Context, d *broker.Delivery) error

// HeadersHook runs after the Received field is prepended and before
// DKIM signing, so header mutations made here are covered by the
// signature.
type HeadersHook func(ctx context.Context, d *broker.Delivery) error

// DeliveredHook runs after the remote server accepted the message and
// the delivery was released.
type DeliveredHook func(ctx context.Context, d *broker.Delivery)

// Hooks is the plugin attachment point shared by all zones of an
// engine. Registration is expected to happen before Run but is safe
// concurrently with running workers. A nil *Hooks runs nothing.
type Hooks struct {
	mu        sync.RWMutex
	fetch     []FetchHook
	headers   []HeadersHook
	delivered []DeliveredHook
}

func (h *Hooks) OnFetch(f FetchHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetch = append(h.fetch, f)
}

func (h *Hooks) OnHeaders(f HeadersHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headers = append(h.headers, f)
}

func (h *Hooks) OnDelivered(f DeliveredHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, f)
}

// runFetch calls the fetch hooks in registration order, stopping at the
// first error.
func (h *Hooks) runFetch(ctx context.Context, d *broker.Delivery) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	hooks := h.fetch
	h.mu.RUnlock()
	for _, f := range hooks {
		if err := f(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runHeaders(ctx context.Context, d *broker.Delivery) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	hooks := h.headers
	h.mu.RUnlock()
	for _, f := range hooks {
		if err := f(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runDelivered(ctx context.Context, d *broker.Delivery) {
	if h == nil {
		return
	}
	h.mu.RLock()
	hooks := h.delivered
	h.mu.RUnlock()
	for _, f := range hooks {
		f(ctx, d)
	}
}

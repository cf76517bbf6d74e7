// Package store provides read access to queued message bodies.
//
// The queue ingest side owns the writes; the delivery engine only ever
// reads. Bodies must come back byte-exact and must be reopenable any
// number of times, since every delivery attempt re-reads the message
// from the start.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrNoSuchMessage is returned by Open when no body exists for the id.
// The worker turns it into a permanent failure instead of retrying.
var ErrNoSuchMessage = errors.New("store: no such message")

type Store interface {
	// Open returns the message body stored under the queue id.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

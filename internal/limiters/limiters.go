// Package limiters provides a set of wrappers intended to restrict the amount
// of resources consumed by the delivery engine.
package limiters

import (
	"context"
	"errors"
)

// ErrOverloaded is returned by keyed limiter groups when there are too many
// tracked resources and none of them can be dropped.
var ErrOverloaded = errors.New("limiters: overloaded, try again later")

// The L interface represents a blocking limiter that has some upper bound of
// resource use and blocks when it is exceeded until enough resources are
// freed.
type L interface {
	Take() bool
	TakeContext(context.Context) error
	Release()

	// Close frees any resources used internally by L for book-keeping.
	Close()
}

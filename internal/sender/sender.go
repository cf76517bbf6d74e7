/*
Mailout - high-volume outbound mail delivery engine.
Copyright © 2021-2024 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sender implements the delivery engine: per-zone worker pools
// lease queued messages from the broker, resolve the destination, open
// or reuse SMTP sessions, transmit the message and acknowledge the
// outcome back to the queue.
package sender

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/classify"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/dkim"
	"github.com/foxcpp/mailout/internal/mtasts"
	"github.com/foxcpp/mailout/internal/mxlookup"
	"github.com/foxcpp/mailout/internal/store"
)

// Deps are the shared services the engine delivers with. Broker, Store
// and Resolver are required. STS may be nil to disable MTA-STS, Keys to
// disable the signing key directory; Hooks and Rules get working
// defaults.
type Deps struct {
	Broker   *broker.Client
	Store    store.Store
	Resolver *mxlookup.Lookup
	STS      *mtasts.Cache
	Hooks    *Hooks
	Keys     *dkim.KeyStore
	Rules    *classify.Table
}

// Engine runs the delivery zones of one process.
type Engine struct {
	zones []*Zone
	deps  *Deps
	log   log.Logger
}

func New(cfg *config.Config, deps *Deps, l log.Logger) (*Engine, error) {
	switch {
	case deps.Broker == nil:
		return nil, fmt.Errorf("sender: broker client is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("sender: message store is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("sender: resolver is required")
	}
	if deps.Hooks == nil {
		deps.Hooks = &Hooks{}
	}
	if deps.Rules == nil {
		deps.Rules = classify.NewTable(classify.DefaultRules())
	}

	names := make([]string, 0, len(cfg.Zones))
	for name := range cfg.Zones {
		names = append(names, name)
	}
	sort.Strings(names)

	e := &Engine{deps: deps, log: l}
	for _, name := range names {
		zcfg := cfg.Zones[name]
		if zcfg.Processes > 1 {
			// Worker goroutines replace the reference multi-process
			// model; the directive stays recognized so configurations
			// carry over.
			l.Msg("zone runs in-process, processes directive has no effect",
				"zone", name, "processes", zcfg.Processes)
		}

		zlog := l
		fields := make(map[string]interface{}, len(l.Fields)+1)
		for k, v := range l.Fields {
			fields[k] = v
		}
		fields["zone"] = name
		zlog.Fields = fields

		e.zones = append(e.zones, newZone(zcfg, cfg.Hostname, cfg.Pools[zcfg.Pool], deps, zlog))
	}
	return e, nil
}

// Run starts all zones and blocks until ctx is canceled or a fatal
// failure happens. Losing the broker channel is fatal: the queue holds
// the authoritative state and nothing useful can happen without it.
func (e *Engine) Run(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)
	for _, z := range e.zones {
		z := z
		eg.Go(func() error {
			return z.Run(gctx)
		})
	}
	eg.Go(func() error {
		select {
		case <-e.deps.Broker.Done():
			err := e.deps.Broker.Err()
			if err == nil {
				err = broker.ErrClosed
			}
			return fmt.Errorf("sender: broker channel lost: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	return eg.Wait()
}

// Hooks exposes the plugin attachment point used by all zones.
func (e *Engine) Hooks() *Hooks {
	return e.deps.Hooks
}

// deliveryLogger returns a copy of l that tags every message with the
// delivery identification fields.
func deliveryLogger(l log.Logger, d *broker.Delivery) log.Logger {
	fields := make(map[string]interface{}, len(l.Fields)+3)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["msg_id"] = d.ID
	fields["seq"] = d.Seq
	fields["rcpt"] = d.Recipient
	l.Fields = fields
	return l
}

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

package sender

import "github.com/prometheus/client_golang/prometheus"

var deliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "deliveries_total",
		Help:      "Finished delivery attempts by outcome",
	},
	[]string{"zone", "result"}, // delivered, deferred, rejected, skipped
)

var bouncesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "bounces_total",
		Help:      "Delivery status notifications queued",
	},
	[]string{"zone"},
)

var suppressedBounces = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "suppressed_bounces_total",
		Help:      "Rejected deliveries for which no DSN was generated",
	},
	[]string{"zone", "reason"},
)

var connectFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "connect_failures_total",
		Help:      "Failed connection attempts to candidate servers",
	},
	[]string{"zone"},
)

var failCacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "failcache_hits_total",
		Help:      "Attempts short-circuited by a cached connect failure",
	},
	[]string{"zone"},
)

var connReuse = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "conn_reuse_total",
		Help:      "Deliveries sent over a pooled connection",
	},
	[]string{"zone"},
)

var throttleWaits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "throttle_waits_total",
		Help:      "Times a worker slept on the zone throttle",
	},
	[]string{"zone"},
)

var yieldsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "yields_total",
		Help:      "Times a worker left a slow attempt behind and moved on",
	},
	[]string{"zone"},
)

var stsMismatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "sender",
		Name:      "sts_mismatch_total",
		Help:      "Exchanges that did not match the domain MTA-STS policy",
	},
	[]string{"zone"},
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(bouncesTotal)
	prometheus.MustRegister(suppressedBounces)
	prometheus.MustRegister(connectFailures)
	prometheus.MustRegister(failCacheHits)
	prometheus.MustRegister(connReuse)
	prometheus.MustRegister(throttleWaits)
	prometheus.MustRegister(yieldsTotal)
	prometheus.MustRegister(stsMismatches)
}

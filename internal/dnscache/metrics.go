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

package dnscache

import "github.com/prometheus/client_golang/prometheus"

var cacheHits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "dnscache",
		Name:      "hits_total",
		Help:      "DNS resolution products served from the cache",
	},
)

var cacheMisses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "dnscache",
		Name:      "misses_total",
		Help:      "DNS cache lookups answered by the real resolver",
	},
)

var cacheErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "dnscache",
		Name:      "errors_total",
		Help:      "Redis failures ignored by the DNS cache",
	},
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(cacheErrors)
}

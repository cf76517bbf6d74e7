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

package classify

import "time"

// defaultDeferTimes is the requeue ladder: quick retries first, then
// every 4 hours. A delivery may be deferred at most len(defaultDeferTimes)
// times, the failure after that is final.
var defaultDeferTimes = []time.Duration{
	5 * time.Minute,
	7 * time.Minute,
	8 * time.Minute,
	25 * time.Minute,
	75 * time.Minute,
	120 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
	240 * time.Minute,
}

// DeferTTL returns the requeue delay for a delivery that has been
// deferred deferredCount times before. A per-message schedule override
// replaces the default ladder entirely when non-empty.
//
// ok is false when the schedule is exhausted: the delivery has used up
// its retries and must be rejected instead.
func DeferTTL(deferredCount int, override []time.Duration) (ttl time.Duration, ok bool) {
	times := defaultDeferTimes
	if len(override) != 0 {
		times = override
	}
	if deferredCount < 0 {
		deferredCount = 0
	}
	if deferredCount >= len(times) {
		return 0, false
	}
	return times[deferredCount], true
}

// MaxDeferrals returns how many times a delivery may be deferred before
// rejection, given an optional schedule override.
func MaxDeferrals(override []time.Duration) int {
	if len(override) != 0 {
		return len(override)
	}
	return len(defaultDeferTimes)
}

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

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rate is a parsed throttling directive: at most N messages per Unit.
// The zero value means unlimited.
type Rate struct {
	N    int
	Unit time.Duration
}

func (r Rate) Enabled() bool {
	return r.N > 0 && r.Unit > 0
}

func (r Rate) String() string {
	if !r.Enabled() {
		return "unlimited"
	}
	unit := "second"
	switch r.Unit {
	case time.Minute:
		unit = "minute"
	case time.Hour:
		unit = "hour"
	}
	return fmt.Sprintf("%d messages/%s", r.N, unit)
}

// ParseRate parses a throttling directive of the form
// "100 messages/minute" with a unit of second, minute or hour. The
// empty string parses to the zero (unlimited) Rate.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rate{}, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Rate{}, fmt.Errorf("malformed throttling directive: %q", s)
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return Rate{}, fmt.Errorf("malformed throttling count: %q", s)
	}

	noun, unit, ok := strings.Cut(fields[1], "/")
	if !ok || noun != "messages" {
		return Rate{}, fmt.Errorf("malformed throttling directive: %q", s)
	}

	r := Rate{N: n}
	switch strings.ToLower(unit) {
	case "second":
		r.Unit = time.Second
	case "minute":
		r.Unit = time.Minute
	case "hour":
		r.Unit = time.Hour
	default:
		return Rate{}, fmt.Errorf("unknown throttling unit: %q", unit)
	}
	return r, nil
}

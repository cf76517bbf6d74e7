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

package testutils

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/foxcpp/mailout/internal/store"
)

// Store is an in-memory message body store.
type Store struct {
	Lk       sync.Mutex
	Messages map[string]string

	// Opens counts Open calls per id, including misses.
	Opens map[string]int
}

func NewStore() *Store {
	return &Store{
		Messages: map[string]string{},
		Opens:    map[string]int{},
	}
}

func (s *Store) Add(id, body string) {
	s.Lk.Lock()
	defer s.Lk.Unlock()
	s.Messages[id] = body
}

func (s *Store) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.Lk.Lock()
	defer s.Lk.Unlock()

	s.Opens[id]++
	body, ok := s.Messages[id]
	if !ok {
		return nil, store.ErrNoSuchMessage
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

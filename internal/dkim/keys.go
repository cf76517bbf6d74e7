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

package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/foxcpp/mailout/framework/log"
)

// ParseKey reads a signing key from PEM text. PKCS#8, PKCS#1 and raw
// Ed25519 keys are accepted; these are the forms opendkim-genkey and
// openssl produce.
func ParseKey(pemBlob []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, fmt.Errorf("dkim: no PEM block found")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // PKCS#8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // PKCS#1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return nil, fmt.Errorf("dkim: EC keys are not usable for signing mail")
	default:
		return nil, fmt.Errorf("dkim: unknown PEM block type: %v", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: parse key: %w", err)
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("dkim: validate key: %w", err)
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("dkim: unsupported private key type: %T", key)
	}
}

// KeyStore holds signing keys loaded from a directory of
// <domain>.<selector>.pem files. Queue entries normally embed the key
// PEM directly; the store covers entries that name only the
// domain/selector pair.
//
// The loaded set is swapped atomically so a reload never disturbs
// signers running on other goroutines.
type KeyStore struct {
	dir  string
	log  log.Logger
	keys atomic.Pointer[map[string]crypto.Signer]
}

// NewKeyStore loads all keys from dir. A missing directory is not an
// error, it simply yields an empty store; delivery then relies on the
// per-entry key material alone.
func NewKeyStore(dir string, l log.Logger) (*KeyStore, error) {
	ks := &KeyStore{dir: dir, log: l}
	empty := map[string]crypto.Signer{}
	ks.keys.Store(&empty)
	if dir == "" {
		return ks, nil
	}
	if err := ks.Load(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Load rescans the key directory and replaces the active set. Called at
// startup and on configuration reload.
func (ks *KeyStore) Load() error {
	ents, err := os.ReadDir(ks.dir)
	if err != nil {
		if os.IsNotExist(err) {
			empty := map[string]crypto.Signer{}
			ks.keys.Store(&empty)
			return nil
		}
		return fmt.Errorf("dkim: read key directory: %w", err)
	}

	keys := make(map[string]crypto.Signer, len(ents))
	for _, ent := range ents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".pem") {
			continue
		}
		domain, selector, ok := splitKeyName(ent.Name())
		if !ok {
			ks.log.Msg("skipping key file with unrecognized name", "file", ent.Name())
			continue
		}
		blob, err := os.ReadFile(filepath.Join(ks.dir, ent.Name()))
		if err != nil {
			return fmt.Errorf("dkim: read %s: %w", ent.Name(), err)
		}
		signer, err := ParseKey(blob)
		if err != nil {
			return fmt.Errorf("dkim: %s: %w", ent.Name(), err)
		}
		keys[keyID(domain, selector)] = signer
	}

	ks.keys.Store(&keys)
	ks.log.DebugMsg("dkim keys loaded", "dir", ks.dir, "count", len(keys))
	return nil
}

// Get returns the key for the domain/selector pair, if loaded.
func (ks *KeyStore) Get(domain, selector string) (crypto.Signer, bool) {
	k, ok := (*ks.keys.Load())[keyID(domain, selector)]
	return k, ok
}

// Len returns the number of loaded keys.
func (ks *KeyStore) Len() int {
	return len(*ks.keys.Load())
}

func keyID(domain, selector string) string {
	return strings.ToLower(domain) + "/" + strings.ToLower(selector)
}

// splitKeyName takes "<domain>.<selector>.pem" apart. The selector is
// the last dot-separated label before the extension, everything before
// it is the domain, dots included.
func splitKeyName(name string) (domain, selector string, ok bool) {
	name = strings.TrimSuffix(name, ".pem")
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Package secrets holds the process-wide ordered list of server-side peppers
// and the IP-hash salt.
//
// Purpose:
//
//	Password hashes, email hashes, OTP envelopes, and recovery codes all mix
//	in one of these peppers, selected by index and recorded next to the hash.
//	The sequence is loaded once from configuration and never changes for the
//	life of the process; rotating it requires a coordinated migration.
//
// Thread Safety:
//   - Store is immutable after construction and safe for concurrent use.
package secrets

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Store exposes the pepper sequence and IP salt.
type Store struct {
	peppers [][]byte
	ipSalt  []byte
}

// New constructs a Store. At least one pepper is required.
func New(peppers [][]byte, ipSalt []byte) (*Store, error) {
	if len(peppers) == 0 {
		return nil, errors.New("secrets: at least one pepper is required")
	}
	for i, p := range peppers {
		if len(p) == 0 {
			return nil, fmt.Errorf("secrets: pepper %d is empty", i)
		}
	}
	if len(ipSalt) == 0 {
		return nil, errors.New("secrets: ip salt is required")
	}
	return &Store{peppers: peppers, ipSalt: ipSalt}, nil
}

// Parse decodes the comma-separated base64 pepper list and base64 IP salt
// as they appear in configuration.
func Parse(authSecrets, ipSalt string) (*Store, error) {
	parts := strings.Split(authSecrets, ",")
	peppers := make([][]byte, 0, len(parts))
	for i, part := range parts {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("secrets: decode pepper %d: %w", i, err)
		}
		peppers = append(peppers, raw)
	}
	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ipSalt))
	if err != nil {
		return nil, fmt.Errorf("secrets: decode ip salt: %w", err)
	}
	return New(peppers, salt)
}

// Len returns the number of peppers.
func (s *Store) Len() int { return len(s.peppers) }

// Get returns the pepper at index i.
func (s *Store) Get(i int) ([]byte, error) {
	if i < 0 || i >= len(s.peppers) {
		return nil, fmt.Errorf("secrets: pepper index %d out of range [0,%d)", i, len(s.peppers))
	}
	return s.peppers[i], nil
}

// RandomIndex draws a uniform pepper index using crypto/rand.
func (s *Store) RandomIndex() int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(s.peppers))))
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken;
		// index 0 keeps hashing functional.
		return 0
	}
	return int(n.Int64())
}

// HashEmail computes SHA3-512(email || peppers[0]). Index 0 is fixed because
// the login path needs a deterministic lookup key.
func (s *Store) HashEmail(email string) []byte {
	h := sha3.New512()
	h.Write([]byte(email))
	h.Write(s.peppers[0])
	return h.Sum(nil)
}

// HashIP computes SHA1(ip || ipSalt) for ban lookups. SHA1 keeps plaintext
// addresses out of the ban table; collision resistance is not load-bearing.
func (s *Store) HashIP(ip string) []byte {
	h := sha1.New()
	h.Write([]byte(ip))
	h.Write(s.ipSalt)
	return h.Sum(nil)
}

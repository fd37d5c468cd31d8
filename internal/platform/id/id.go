// Package id provides utilities for generating URL-safe identifiers.
//
// Identifiers are generated using UUIDv4 bytes encoded as base32 (RFC 4648)
// with no padding. The resulting strings are 26 characters long, lowercase,
// and safe for use in URLs and file paths.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new random identifier.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}

// NewClientID returns a random numeric identifier for a sync connection.
// Client IDs only need to be unique among the peers of a single document,
// so 64 random bits are sufficient.
func NewClientID() (uint64, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return 0, fmt.Errorf("generate uuid: %w", err)
	}
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(u[i])
	}
	if n == 0 {
		n = 1
	}
	return n, nil
}

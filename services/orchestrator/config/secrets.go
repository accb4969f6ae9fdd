// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrSecretNotSet is returned by Reveal for unknown names.
var ErrSecretNotSet = errors.New("secret not set")

// Secrets keeps API keys encrypted in memory.
//
// # Description
//
// Each value is sealed in a memguard Enclave. Reveal decrypts into a locked
// buffer, copies the value out and destroys the buffer, so plaintext lives
// only as long as the caller keeps the returned string.
//
// # Thread Safety
//
// Safe for concurrent use.
type Secrets struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewSecrets returns an empty store.
func NewSecrets() *Secrets {
	return &Secrets{enclaves: make(map[string]*memguard.Enclave)}
}

// Set seals value under name, replacing any previous value.
func (s *Secrets) Set(name, value string) {
	buf := []byte(value)
	enclave := memguard.NewEnclave(buf) // wipes buf
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclaves[name] = enclave
}

// Has reports whether name is set.
func (s *Secrets) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enclaves[name]
	return ok
}

// Names returns the set secret names, sorted. Values are never listed.
func (s *Secrets) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.enclaves))
	for n := range s.enclaves {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Reveal decrypts name.
func (s *Secrets) Reveal(name string) (string, error) {
	s.mu.RLock()
	enclave, ok := s.enclaves[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotSet, name)
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", name, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

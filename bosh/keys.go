// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	/* #nosec */
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"mellium.im/xmppcore/internal/attr"
)

// DefaultKeyChainLength is the number of keys generated at a time when key
// sequencing is enabled and Config.KeyChainLength is not set.
const DefaultKeyChainLength = 64

// keyChain is the client side of the key sequencing mechanism described in
// XEP-0124 §15.
//
// Keys K(1) through K(n) are generated by hashing a random seed n times.
// K(n) is sent as the newkey of the session creation request and every
// following request reveals the previous key in the chain, so that the
// connection manager can check that SHA-1(key) equals the key it saw last.
// The request that reveals K(1) also carries the newkey of a fresh chain.
type keyChain struct {
	n    int
	seed func() string

	mu   sync.Mutex
	keys []string
}

func newKeyChain(n int) *keyChain {
	if n <= 1 {
		n = DefaultKeyChainLength
	}
	return &keyChain{
		n: n,
		seed: func() string {
			return attr.RandomLen(40)
		},
	}
}

// generate must be called with mu held.
func (k *keyChain) generate() {
	keys := make([]string, k.n)
	prev := k.seed()
	for i := range keys {
		/* #nosec */
		sum := sha1.Sum([]byte(prev))
		keys[i] = hex.EncodeToString(sum[:])
		prev = keys[i]
	}
	k.keys = keys
}

// pop must be called with mu held.
func (k *keyChain) pop() string {
	last := len(k.keys) - 1
	key := k.keys[last]
	k.keys = k.keys[:last]
	return key
}

// first returns the newkey of the session creation request.
func (k *keyChain) first() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.generate()
	return k.pop()
}

// next returns the key to send with the next request and, if the chain was
// exhausted by it, the newkey of a new chain.
func (k *keyChain) next() (key, newKey string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) == 0 {
		k.generate()
		return "", k.pop()
	}
	key = k.pop()
	if len(k.keys) == 0 {
		k.generate()
		newKey = k.pop()
	}
	return key, newKey
}

// unread puts back the keys returned by next for a request that was never
// sent.
func (k *keyChain) unread(key, newKey string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if newKey != "" {
		// The new chain was never announced.
		k.keys = k.keys[:0]
	}
	if key != "" {
		k.keys = append(k.keys, key)
	}
}

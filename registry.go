// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"fmt"
	"sync"
)

// ManagerFactory constructs an extension manager for a client.
// It is called at most once per client and key and must not call Manager.
type ManagerFactory func(c *Client) interface{}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]ManagerFactory)
)

// RegisterManager makes an extension manager available to all clients under
// key.
// It is meant to be called from the init function of the package that
// provides the manager.
// If RegisterManager is called twice with the same key or if factory is nil,
// it panics.
func RegisterManager(key string, factory ManagerFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("xmppcore: RegisterManager factory is nil")
	}
	if _, dup := factories[key]; dup {
		panic("xmppcore: RegisterManager called twice for " + key)
	}
	factories[key] = factory
}

// registry holds the extension managers of a single client.
type registry struct {
	mu       sync.Mutex
	managers map[string]interface{}
}

// Manager returns the extension manager registered under key, constructing it
// on first use.
// Subsequent calls with the same key return the same instance.
// If no manager was registered under key, ok is false.
func (c *Client) Manager(key string) (m interface{}, ok bool) {
	factoriesMu.RLock()
	factory, ok := factories[key]
	factoriesMu.RUnlock()
	if !ok {
		return nil, false
	}

	r := &c.managers
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[key]; ok {
		return m, true
	}
	if r.managers == nil {
		r.managers = make(map[string]interface{})
	}
	m = factory(c)
	r.managers[key] = m
	return m, true
}

// LookupManager is like Manager except that the manager is returned as T.
// If no manager was registered under key or it is not a T an error is
// returned.
func LookupManager[T any](c *Client, key string) (T, error) {
	var zero T
	m, ok := c.Manager(key)
	if !ok {
		return zero, fmt.Errorf("xmppcore: no extension manager registered for %q", key)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("xmppcore: extension manager %q is a %T", key, m)
	}
	return t, nil
}

// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package state provides the in-memory, concurrency-safe credential cache
// shared by independent run executions. Entries expire by TTL only; a
// rotated credential stays visible until its entry expires or is evicted.
package state

import (
	"sync"
	"time"

	"github.com/toeirei/stagehand/internal/security"
)

// DefaultCredentialTTL is used when a cache is created with a zero TTL.
const DefaultCredentialTTL = 5 * time.Minute

type cacheEntry struct {
	value     security.Secret
	expiresAt time.Time
}

// CredentialCache maps credential ids to decrypted key material.
type CredentialCache struct {
	mu      sync.RWMutex
	entries map[int64]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCredentialCache creates a cache whose entries live for ttl.
func NewCredentialCache(ttl time.Duration) *CredentialCache {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &CredentialCache{
		entries: make(map[int64]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set stores a copy of the secret. It overwrites any existing value.
func (c *CredentialCache) Set(id int64, value security.Secret) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[id]; ok {
		old.value.Zero()
	}
	c.entries[id] = cacheEntry{
		value:     security.FromBytes(value),
		expiresAt: c.now().Add(c.ttl),
	}
}

// Get returns a copy of a live entry. The caller zeroes the copy after use.
func (c *CredentialCache) Get(id int64) (security.Secret, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	live := ok && c.now().Before(entry.expiresAt)
	var out security.Secret
	if live {
		out = security.FromBytes(entry.value)
	}
	c.mu.RUnlock()
	if ok && !live {
		c.evictExpired(id)
	}
	return out, live
}

func (c *CredentialCache) evictExpired(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok && !c.now().Before(entry.expiresAt) {
		entry.value.Zero()
		delete(c.entries, id)
	}
}

// Evict wipes and removes one entry.
func (c *CredentialCache) Evict(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		entry.value.Zero()
		delete(c.entries, id)
	}
}

// Purge removes expired entries and returns how many were dropped.
func (c *CredentialCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			entry.value.Zero()
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Clear securely wipes every entry.
func (c *CredentialCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		entry.value.Zero()
		delete(c.entries, id)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *CredentialCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

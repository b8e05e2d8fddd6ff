/* Copyright 2025 FastPing.It
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cache provides the volatile fast-lookup tier in front of the
// durable registry. Nothing here is a source of truth: every record can
// vanish at any moment and consumers must fall back to the registry.
package cache

import (
	"sync"
	"time"

	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/model"
)

// WhitelistCache is the read-through/write-through whitelist tier.
type WhitelistCache interface {
	// GetWhitelist returns the cached entry for ip. A miss is reported for
	// absent as well as TTL-expired slots.
	GetWhitelist(ip string) (*model.WhitelistEntry, bool)

	// PutWhitelist stores entry under a bounded TTL. The TTL only bounds
	// cache staleness; the entry carries its own expiry.
	PutWhitelist(ip string, entry *model.WhitelistEntry, ttl time.Duration)

	// InvalidateWhitelist drops the slot for ip immediately.
	InvalidateWhitelist(ip string)
}

// WindowCounter is the atomic increment-with-expiry primitive used for
// rate limiting when the cache tier is available.
type WindowCounter interface {
	// IncrementWindow increments the fixed-window counter for ip and
	// returns the updated count together with the window start. The first
	// increment of a fresh window returns count 1.
	IncrementWindow(ip string, window time.Duration) (int64, time.Time, error)
}

// Cache combines both roles of the volatile tier.
type Cache interface {
	WhitelistCache
	WindowCounter
}

type cachedEntry struct {
	entry      *model.WhitelistEntry
	validUntil time.Time
}

type windowSlot struct {
	count      int64
	start      time.Time
	validUntil time.Time
}

// MemoryCache is an in-process Cache. All operations take the cache
// mutex; per-key linearizability of IncrementWindow follows from that.
type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string]*cachedEntry
	windows map[string]*windowSlot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cachedEntry),
		windows: make(map[string]*windowSlot),
	}
}

func (c *MemoryCache) GetWhitelist(ip string) (*model.WhitelistEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	slot, ok := c.entries[ip]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(slot.validUntil) {
		delete(c.entries, ip)
		return nil, false
	}
	return slot.entry, true
}

func (c *MemoryCache) PutWhitelist(ip string, entry *model.WhitelistEntry, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[ip] = &cachedEntry{
		entry:      entry,
		validUntil: time.Now().Add(ttl),
	}
}

func (c *MemoryCache) InvalidateWhitelist(ip string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.entries, ip)
}

func (c *MemoryCache) IncrementWindow(ip string, window time.Duration) (int64, time.Time, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	slot, ok := c.windows[ip]
	if !ok || now.Sub(slot.start) >= window {
		slot = &windowSlot{
			start:      now,
			validUntil: now.Add(window),
		}
		c.windows[ip] = slot
	}
	slot.count++
	return slot.count, slot.start, nil
}

// Sweep drops expired whitelist slots and stale window counters. It is
// driven by a ticker in the binary and returns the number of slots
// removed.
func (c *MemoryCache) Sweep(now time.Time) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for ip, slot := range c.entries {
		if !now.Before(slot.validUntil) {
			delete(c.entries, ip)
			removed++
		}
	}
	for ip, slot := range c.windows {
		if !now.Before(slot.validUntil) {
			delete(c.windows, ip)
			removed++
		}
	}
	if removed > 0 {
		klog.V(5).Infof("cache sweep removed %d expired slots", removed)
	}
	return removed
}

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

// Package gate implements the per-request admission decision: is the
// source IP whitelisted, and is it within its rate budget. Cache failures
// degrade to the registry; registry failures deny. The gate never fails
// open.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/cache"
	"github.com/fastping-it/proxypool/internal/model"
)

type DenyReason string

const (
	DenyNotWhitelisted DenyReason = "not_whitelisted"
	DenyRateLimited    DenyReason = "rate_limited"
	DenyStorageError   DenyReason = "storage_error"
)

// RateSnapshot describes the state of the caller's rate window at
// decision time. Reset is when the current window rolls over.
type RateSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

type Decision struct {
	Allowed    bool           `json:"allowed"`
	Reason     DenyReason     `json:"reason,omitempty"`
	CustomerID string         `json:"customer,omitempty"`
	PlanTier   model.PlanTier `json:"plan,omitempty"`
	Rate       RateSnapshot   `json:"rate"`
}

// Registry is the slice of the durable registry the gate needs.
type Registry interface {
	GetWhitelist(ip string) (*model.WhitelistEntry, error)
	IncrementWindow(ip string, window time.Duration, now time.Time) (int64, time.Time, error)
}

// Limits resolves the per-minute budget for a plan on an endpoint.
type Limits interface {
	LimitFor(tier model.PlanTier, endpoint string) int
}

// Window is fixed at one minute: the counter resets wholesale when the
// window ages out, so bursts at window boundaries may see up to twice
// the nominal rate. Accepted approximation.
const Window = time.Minute

type Gate struct {
	registry Registry
	cache    cache.Cache
	limits   Limits
	cacheTTL time.Duration

	allowedCount    atomic.Uint64
	notWhitelisted  atomic.Uint64
	rateLimited     atomic.Uint64
	storageFailures atomic.Uint64
}

// NewGate builds an admission gate. lookupCache may be nil; every check
// then runs against the registry alone.
func NewGate(reg Registry, lookupCache cache.Cache, limits Limits, cacheTTL time.Duration) *Gate {
	return &Gate{
		registry: reg,
		cache:    lookupCache,
		limits:   limits,
		cacheTTL: cacheTTL,
	}
}

func denied(reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Admit decides whether a request from ip on endpoint may proceed.
func (g *Gate) Admit(ctx context.Context, ip string, endpoint string) Decision {
	if err := ctx.Err(); err != nil {
		g.storageFailures.Add(1)
		return denied(DenyStorageError)
	}

	entry, decision, ok := g.resolveWhitelist(ip)
	if !ok {
		return decision
	}

	now := time.Now()
	limit := g.limits.LimitFor(entry.PlanTier, endpoint)
	count, windowStart, err := g.incrementWindow(ip, now)
	if err != nil {
		klog.Errorf("rate window update for %s failed: %s", ip, err.Error())
		g.storageFailures.Add(1)
		return denied(DenyStorageError)
	}

	snapshot := RateSnapshot{
		Limit: limit,
		Reset: windowStart.Add(Window),
	}
	if count > int64(limit) {
		klog.V(4).Infof("rate limit exceeded for %s: %d > %d", ip, count, limit)
		g.rateLimited.Add(1)
		decision := denied(DenyRateLimited)
		decision.Rate = snapshot
		return decision
	}

	snapshot.Remaining = limit - int(count)
	g.allowedCount.Add(1)
	return Decision{
		Allowed:    true,
		CustomerID: entry.CustomerID,
		PlanTier:   entry.PlanTier,
		Rate:       snapshot,
	}
}

// resolveWhitelist runs the two-tier lookup: cache first, registry on
// miss with a write-through under the bounded cache TTL. Expired entries
// are treated as misses in the cache and as denials at the source.
func (g *Gate) resolveWhitelist(ip string) (*model.WhitelistEntry, Decision, bool) {
	now := time.Now()

	if g.cache != nil {
		if entry, ok := g.cache.GetWhitelist(ip); ok {
			if entry.Active && !entry.ExpiredAt(now) {
				return entry, Decision{}, true
			}
			// stale cached state, decide from the registry
			g.cache.InvalidateWhitelist(ip)
		}
	}

	entry, err := g.registry.GetWhitelist(ip)
	if err != nil {
		// the durable store is the deny/allow authority; without it the
		// gate fails closed
		klog.Errorf("whitelist lookup for %s failed: %s", ip, err.Error())
		g.storageFailures.Add(1)
		return nil, denied(DenyStorageError), false
	}
	if entry == nil || !entry.Active || entry.ExpiredAt(now) {
		g.notWhitelisted.Add(1)
		return nil, denied(DenyNotWhitelisted), false
	}

	if g.cache != nil {
		g.cache.PutWhitelist(ip, entry, g.cacheTTL)
	}
	return entry, Decision{}, true
}

// incrementWindow prefers the cache's atomic counter; a cache error only
// degrades to the registry's locked read-modify-write.
func (g *Gate) incrementWindow(ip string, now time.Time) (int64, time.Time, error) {
	if g.cache != nil {
		count, windowStart, err := g.cache.IncrementWindow(ip, Window)
		if err == nil {
			return count, windowStart, nil
		}
		klog.Warningf("cache window increment for %s failed, falling back to registry: %s", ip, err.Error())
	}
	return g.registry.IncrementWindow(ip, Window, now)
}

// DecisionCounts reports totals per outcome since startup, keyed by
// "allowed" and the deny reasons.
func (g *Gate) DecisionCounts() map[string]uint64 {
	return map[string]uint64{
		"allowed":                  g.allowedCount.Load(),
		string(DenyNotWhitelisted): g.notWhitelisted.Load(),
		string(DenyRateLimited):    g.rateLimited.Load(),
		string(DenyStorageError):   g.storageFailures.Load(),
	}
}

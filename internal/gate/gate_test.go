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
package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fastping-it/proxypool/internal/allocator"
	"github.com/fastping-it/proxypool/internal/cache"
	cachetesting "github.com/fastping-it/proxypool/internal/cache/testing"
	"github.com/fastping-it/proxypool/internal/model"
	"github.com/fastping-it/proxypool/internal/registry"
	regtesting "github.com/fastping-it/proxypool/internal/registry/testing"
)

type staticLimits int

func (s staticLimits) LimitFor(tier model.PlanTier, endpoint string) int {
	return int(s)
}

type gateFixture struct {
	registry *regtesting.MockRegistry
	cache    *cachetesting.MockCache
	gate     *Gate
}

func newGateFixture(limit int) *gateFixture {
	reg := regtesting.NewMockRegistry()
	lookupCache := cachetesting.NewMockCache()
	return &gateFixture{
		registry: reg,
		cache:    lookupCache,
		gate:     NewGate(reg, lookupCache, staticLimits(limit), 5*time.Minute),
	}
}

func activeEntry(ip string) *model.WhitelistEntry {
	now := time.Now()
	return &model.WhitelistEntry{
		IPAddress:          ip,
		CustomerID:         "cust_1",
		PlanTier:           model.PlanBasic,
		RateLimitPerMinute: 100,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Hour),
		Active:             true,
	}
}

func TestAdmitDeniesUnknownIP(t *testing.T) {
	f := newGateFixture(100)
	f.cache.On("GetWhitelist", "203.0.113.9").Return(nil, false)
	f.registry.On("GetWhitelist", "203.0.113.9").Return(nil, nil)

	decision := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyNotWhitelisted, decision.Reason)

	f.registry.AssertNotCalled(t, "IncrementWindow", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmitDeniesInactiveEntry(t *testing.T) {
	f := newGateFixture(100)
	entry := activeEntry("203.0.113.9")
	entry.Active = false

	f.cache.On("GetWhitelist", "203.0.113.9").Return(nil, false)
	f.registry.On("GetWhitelist", "203.0.113.9").Return(entry, nil)

	decision := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.Equal(t, DenyNotWhitelisted, decision.Reason)
}

func TestAdmitDeniesExpiredEntryEvenWhenCached(t *testing.T) {
	f := newGateFixture(100)
	entry := activeEntry("203.0.113.9")
	entry.ExpiresAt = time.Now().Add(-time.Minute)

	// the cache still holds the expired lease; it must not win
	f.cache.On("GetWhitelist", "203.0.113.9").Return(entry, true)
	f.cache.On("InvalidateWhitelist", "203.0.113.9").Return()
	f.registry.On("GetWhitelist", "203.0.113.9").Return(entry, nil)

	decision := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.Equal(t, DenyNotWhitelisted, decision.Reason)
	f.cache.AssertCalled(t, "InvalidateWhitelist", "203.0.113.9")
}

func TestAdmitFailsClosedOnRegistryError(t *testing.T) {
	f := newGateFixture(100)
	f.cache.On("GetWhitelist", "203.0.113.9").Return(nil, false)
	f.registry.On("GetWhitelist", "203.0.113.9").Return(nil, errors.New("leveldb: closed"))

	decision := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyStorageError, decision.Reason)
}

func TestAdmitAllowsWhitelistedWithinBudget(t *testing.T) {
	f := newGateFixture(100)
	entry := activeEntry("203.0.113.9")
	windowStart := time.Now()

	f.cache.On("GetWhitelist", "203.0.113.9").Return(nil, false)
	f.registry.On("GetWhitelist", "203.0.113.9").Return(entry, nil)
	f.cache.On("PutWhitelist", "203.0.113.9", entry, 5*time.Minute).Return()
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(1), windowStart, nil)

	decision := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.True(t, decision.Allowed)
	assert.Equal(t, "cust_1", decision.CustomerID)
	assert.Equal(t, model.PlanBasic, decision.PlanTier)
	assert.Equal(t, 100, decision.Rate.Limit)
	assert.Equal(t, 99, decision.Rate.Remaining)
	assert.Equal(t, windowStart.Add(Window), decision.Rate.Reset)
}

func TestAdmitServesRepeatLookupsFromCache(t *testing.T) {
	f := newGateFixture(100)
	entry := activeEntry("203.0.113.9")

	f.cache.On("GetWhitelist", "203.0.113.9").Return(nil, false).Once()
	f.cache.On("GetWhitelist", "203.0.113.9").Return(entry, true)
	f.registry.On("GetWhitelist", "203.0.113.9").Return(entry, nil)
	f.cache.On("PutWhitelist", "203.0.113.9", entry, mock.Anything).Return()
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(1), time.Now(), nil)

	f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	f.gate.Admit(context.Background(), "203.0.113.9", "/ping")

	f.registry.AssertNumberOfCalls(t, "GetWhitelist", 1)
	f.cache.AssertNumberOfCalls(t, "PutWhitelist", 1)
}

func TestAdmitEnforcesRateBoundary(t *testing.T) {
	f := newGateFixture(2)
	entry := activeEntry("203.0.113.9")
	windowStart := time.Now()

	f.cache.On("GetWhitelist", "203.0.113.9").Return(entry, true)
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(1), windowStart, nil).Once()
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(2), windowStart, nil).Once()
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(3), windowStart, nil).Once()
	// window rolled over, counting restarts
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(1), windowStart.Add(Window), nil).Once()

	// the request hitting the limit exactly is still admitted
	assert.True(t, f.gate.Admit(context.Background(), "203.0.113.9", "/ping").Allowed)
	second := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Rate.Remaining)

	third := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.False(t, third.Allowed)
	assert.Equal(t, DenyRateLimited, third.Reason)
	assert.Equal(t, windowStart.Add(Window), third.Rate.Reset)

	assert.True(t, f.gate.Admit(context.Background(), "203.0.113.9", "/ping").Allowed)
}

func TestAdmitDegradesToRegistryOnCacheCounterError(t *testing.T) {
	f := newGateFixture(100)
	entry := activeEntry("203.0.113.9")
	windowStart := time.Now()

	f.cache.On("GetWhitelist", "203.0.113.9").Return(entry, true)
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(0), time.Time{}, errors.New("cache poisoned"))
	f.registry.On("IncrementWindow", "203.0.113.9", Window, mock.AnythingOfType("time.Time")).Return(int64(1), windowStart, nil)

	decision := f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.True(t, decision.Allowed)
	f.registry.AssertCalled(t, "IncrementWindow", "203.0.113.9", Window, mock.AnythingOfType("time.Time"))
}

func TestAdmitWorksWithoutCache(t *testing.T) {
	reg := regtesting.NewMockRegistry()
	bareGate := NewGate(reg, nil, staticLimits(100), 0)
	entry := activeEntry("203.0.113.9")

	reg.On("GetWhitelist", "203.0.113.9").Return(entry, nil)
	reg.On("IncrementWindow", "203.0.113.9", Window, mock.AnythingOfType("time.Time")).Return(int64(1), time.Now(), nil)

	decision := bareGate.Admit(context.Background(), "203.0.113.9", "/ping")
	assert.True(t, decision.Allowed)
}

func TestAdmitDeniesOnCancelledContext(t *testing.T) {
	f := newGateFixture(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision := f.gate.Admit(ctx, "203.0.113.9", "/ping")
	assert.Equal(t, DenyStorageError, decision.Reason)
}

func TestDecisionCounts(t *testing.T) {
	f := newGateFixture(100)
	entry := activeEntry("203.0.113.9")

	f.cache.On("GetWhitelist", "203.0.113.9").Return(entry, true)
	f.cache.On("GetWhitelist", "198.51.100.1").Return(nil, false)
	f.registry.On("GetWhitelist", "198.51.100.1").Return(nil, nil)
	f.cache.On("IncrementWindow", "203.0.113.9", Window).Return(int64(1), time.Now(), nil)

	f.gate.Admit(context.Background(), "203.0.113.9", "/ping")
	f.gate.Admit(context.Background(), "198.51.100.1", "/ping")
	f.gate.Admit(context.Background(), "198.51.100.1", "/ping")

	counts := f.gate.DecisionCounts()
	assert.Equal(t, uint64(1), counts["allowed"])
	assert.Equal(t, uint64(2), counts[string(DenyNotWhitelisted)])
	assert.Equal(t, uint64(0), counts[string(DenyRateLimited)])
}

func TestAllocationRoundTrip(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
	})

	require.Nil(t, reg.PutPoolEntry(&model.ResourcePoolEntry{
		PoolID:      "pool-1",
		IPAddress:   "10.0.1.5",
		Kind:        model.ResourceIPOnly,
		ReservedFor: model.PlanBasic,
		Available:   true,
	}))

	lookupCache := cache.NewMemoryCache()
	poolAllocator := allocator.NewPoolAllocator(reg, lookupCache, staticLimits(100), time.Hour, 5*time.Minute)
	liveGate := NewGate(reg, lookupCache, staticLimits(100), 5*time.Minute)

	// unknown before allocation
	decision := liveGate.Admit(context.Background(), "10.0.1.5", "/ping")
	assert.Equal(t, DenyNotWhitelisted, decision.Reason)

	allocation, err := poolAllocator.Allocate(context.Background(), "cust_1", model.PlanBasic)
	require.Nil(t, err)

	decision = liveGate.Admit(context.Background(), "10.0.1.5", "/ping")
	assert.True(t, decision.Allowed)
	assert.Equal(t, "cust_1", decision.CustomerID)
	assert.Equal(t, model.PlanBasic, decision.PlanTier)

	require.Nil(t, poolAllocator.Release(context.Background(), allocation.AllocationID))

	decision = liveGate.Admit(context.Background(), "10.0.1.5", "/ping")
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyNotWhitelisted, decision.Reason)
}

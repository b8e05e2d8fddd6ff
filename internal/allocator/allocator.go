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
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/cache"
	"github.com/fastping-it/proxypool/internal/model"
	"github.com/fastping-it/proxypool/internal/registry"
)

var (
	ErrNoResourceAvailable = errors.New("no resource available for plan")
	ErrAllocationConflict  = errors.New("lost the race for the selected pool entry")
)

// claim retries before the conflict is surfaced to the caller
const maxClaimAttempts = 5

// Registry is the slice of the durable registry the allocator needs.
type Registry interface {
	ListPoolEntries() ([]*model.ResourcePoolEntry, error)
	GetPoolEntry(poolID string) (*model.ResourcePoolEntry, error)
	PutPoolEntry(entry *model.ResourcePoolEntry) error
	ClaimPoolEntry(poolID string) error
	ReleasePoolEntry(poolID string) error

	GetAllocation(allocationID string) (*model.ResourceAllocation, error)
	PutAllocation(allocation *model.ResourceAllocation) error
	DeactivateAllocation(allocationID string) error
	ListAllocationsByCustomer(customerID string) ([]*model.ResourceAllocation, error)
	ListExpiredAllocations(now time.Time) ([]*model.ResourceAllocation, error)

	PutWhitelist(entry *model.WhitelistEntry) error
	DeactivateWhitelist(ip string) error
}

// RateLimits resolves the plan-derived rate limit mirrored into the
// whitelist entry.
type RateLimits interface {
	LimitFor(tier model.PlanTier, endpoint string) int
}

type TierStats struct {
	Total     int
	Available int
}

type Allocator interface {
	// Allocate claims one eligible pool entry for the customer, creates
	// the allocation lease and mirrors the whitelist entry. Two
	// concurrent calls never receive the same pool entry.
	Allocate(ctx context.Context, customerID string, tier model.PlanTier) (*model.ResourceAllocation, error)

	// Release ends the lease: allocation inactive, pool entry available
	// again, whitelist entry deactivated and evicted from the cache.
	Release(ctx context.Context, allocationID string) error

	// ReclaimExpired releases every active allocation whose lease expired
	// before now. Idempotent; returns the number of reclaimed leases.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// CustomerResources lists the customer's active allocations.
	CustomerResources(customerID string) ([]*model.ResourceAllocation, error)

	// PoolStats reports total/available entry counts per reservation
	// tier. Unreserved entries are reported under "unreserved".
	PoolStats() (map[string]TierStats, error)
}

type PoolAllocator struct {
	registry Registry
	cache    cache.WhitelistCache
	limits   RateLimits

	lease    time.Duration
	cacheTTL time.Duration

	// serializes candidate selection and claim within the process; the
	// registry's check-and-set covers everything else
	mutex sync.Mutex
}

// NewPoolAllocator builds an allocator. whitelistCache may be nil; the
// admission gate then serves every lookup from the registry.
func NewPoolAllocator(reg Registry, whitelistCache cache.WhitelistCache, limits RateLimits, lease time.Duration, cacheTTL time.Duration) *PoolAllocator {
	return &PoolAllocator{
		registry: reg,
		cache:    whitelistCache,
		limits:   limits,
		lease:    lease,
		cacheTTL: cacheTTL,
	}
}

// Eligible candidates for a tier: entries reserved for exactly that tier,
// or, when none are free, unreserved ip_only entries.
func eligible(entries []*model.ResourcePoolEntry, tier model.PlanTier) []*model.ResourcePoolEntry {
	exact := []*model.ResourcePoolEntry{}
	fallback := []*model.ResourcePoolEntry{}
	for _, entry := range entries {
		if !entry.Available {
			continue
		}
		if entry.ReservedFor == tier {
			exact = append(exact, entry)
		} else if entry.ReservedFor == "" && entry.Kind == model.ResourceIPOnly {
			fallback = append(fallback, entry)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return fallback
}

func (a *PoolAllocator) pickAndClaim(tier model.PlanTier) (*model.ResourcePoolEntry, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	entries, err := a.registry.ListPoolEntries()
	if err != nil {
		return nil, err
	}

	candidates := eligible(entries, tier)
	if len(candidates) == 0 {
		return nil, ErrNoResourceAvailable
	}

	// randomized to avoid hot-spotting the same address across restarts
	entry := candidates[rand.Intn(len(candidates))]
	if err := a.registry.ClaimPoolEntry(entry.PoolID); err != nil {
		if errors.Is(err, registry.ErrPoolEntryClaimed) {
			return nil, ErrAllocationConflict
		}
		return nil, err
	}
	return entry, nil
}

func (a *PoolAllocator) Allocate(ctx context.Context, customerID string, tier model.PlanTier) (*model.ResourceAllocation, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := a.pickAndClaim(tier)
		if errors.Is(err, ErrAllocationConflict) {
			klog.V(4).Infof("allocation attempt %d for %q lost the claim race, retrying", attempt+1, customerID)
			continue
		}
		if err != nil {
			return nil, err
		}

		allocation, err := a.finishAllocation(entry, customerID, tier)
		if err != nil {
			return nil, err
		}
		klog.Infof("allocated %s (%s) to customer %q until %s",
			entry.IPAddress, entry.Kind, customerID, allocation.ExpiresAt.Format(time.RFC3339))
		return allocation, nil
	}
	return nil, ErrAllocationConflict
}

// finishAllocation persists the lease and mirrors the whitelist entry.
// A failed mirror rolls the pool claim back; an allocation must never
// exist without its admission entry.
func (a *PoolAllocator) finishAllocation(entry *model.ResourcePoolEntry, customerID string, tier model.PlanTier) (*model.ResourceAllocation, error) {
	now := time.Now()
	allocation := &model.ResourceAllocation{
		AllocationID: uuid.New().String(),
		CustomerID:   customerID,
		PoolID:       entry.PoolID,
		IPAddress:    entry.IPAddress,
		PortRange:    entry.PortRange,
		Kind:         entry.Kind,
		AllocatedAt:  now,
		ExpiresAt:    now.Add(a.lease),
		Active:       true,
	}

	if err := a.registry.PutAllocation(allocation); err != nil {
		a.rollbackClaim(entry.PoolID)
		return nil, fmt.Errorf("failed to persist allocation: %w", err)
	}

	whitelistEntry := &model.WhitelistEntry{
		IPAddress:          entry.IPAddress,
		CustomerID:         customerID,
		PlanTier:           tier,
		RateLimitPerMinute: a.limits.LimitFor(tier, ""),
		CreatedAt:          now,
		ExpiresAt:          allocation.ExpiresAt,
		Active:             true,
	}
	if err := a.registry.PutWhitelist(whitelistEntry); err != nil {
		if deactivateErr := a.registry.DeactivateAllocation(allocation.AllocationID); deactivateErr != nil {
			klog.Errorf("failed to roll back allocation %s: %s", allocation.AllocationID, deactivateErr.Error())
		}
		a.rollbackClaim(entry.PoolID)
		return nil, fmt.Errorf("failed to mirror whitelist entry: %w", err)
	}

	if a.cache != nil {
		a.cache.PutWhitelist(entry.IPAddress, whitelistEntry, a.cacheTTL)
	}
	return allocation, nil
}

func (a *PoolAllocator) rollbackClaim(poolID string) {
	if err := a.registry.ReleasePoolEntry(poolID); err != nil {
		klog.Errorf("failed to roll back pool claim %s: %s", poolID, err.Error())
	}
}

func (a *PoolAllocator) Release(ctx context.Context, allocationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	allocation, err := a.registry.GetAllocation(allocationID)
	if err != nil {
		return err
	}
	if !allocation.Active {
		return nil
	}

	// the allocation flips inactive last: a failure partway through
	// leaves it active, so a retried release repeats the whitelist and
	// pool steps instead of no-opping on a half-released lease
	if err := a.registry.DeactivateWhitelist(allocation.IPAddress); err != nil {
		return err
	}
	if a.cache != nil {
		a.cache.InvalidateWhitelist(allocation.IPAddress)
	}
	if err := a.registry.ReleasePoolEntry(allocation.PoolID); err != nil {
		return err
	}
	if err := a.registry.DeactivateAllocation(allocationID); err != nil {
		return err
	}

	klog.Infof("released allocation %s (%s) of customer %q", allocationID, allocation.IPAddress, allocation.CustomerID)
	return nil
}

func (a *PoolAllocator) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := a.registry.ListExpiredAllocations(now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, allocation := range expired {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if err := a.Release(ctx, allocation.AllocationID); err != nil {
			klog.Warningf("failed to reclaim allocation %s: %s", allocation.AllocationID, err.Error())
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		klog.Infof("reclaimed %d expired allocations", reclaimed)
	}
	return reclaimed, nil
}

func (a *PoolAllocator) CustomerResources(customerID string) ([]*model.ResourceAllocation, error) {
	return a.registry.ListAllocationsByCustomer(customerID)
}

func (a *PoolAllocator) PoolStats() (map[string]TierStats, error) {
	entries, err := a.registry.ListPoolEntries()
	if err != nil {
		return nil, err
	}

	result := make(map[string]TierStats)
	for _, entry := range entries {
		tier := string(entry.ReservedFor)
		if tier == "" {
			tier = "unreserved"
		}
		stats := result[tier]
		stats.Total++
		if entry.Available {
			stats.Available++
		}
		result[tier] = stats
	}
	return result, nil
}

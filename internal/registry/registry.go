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

// Package registry is the durable source of truth for whitelist entries,
// resource pools, allocations, rate windows and the usage log. It is the
// slow path behind the fast-lookup cache and must stay correct when the
// cache is gone entirely.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/fastping-it/proxypool/internal/model"
)

var (
	ErrClosed           = errors.New("registry is closed")
	ErrPoolEntryClaimed = errors.New("pool entry is already claimed")
	ErrNotFound         = errors.New("record not found")
)

const (
	prefixWhitelist  = "w:"
	prefixPool       = "p:"
	prefixAllocation = "a:"
	prefixRateWindow = "rw:"
	prefixUsage      = "u:"
)

const windowLockStripes = 64

// Registry wraps a LevelDB instance. All methods are safe for concurrent
// use; pool claim/release and rate-window rollover perform their
// read-modify-write cycles under registry-held locks.
type Registry struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	closed bool
	path   string

	poolMu      sync.Mutex
	windowLocks [windowLockStripes]sync.Mutex
	usageSeq    atomic.Uint64
}

// Open opens or creates the registry database at path.
func Open(path string) (*Registry, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	return &Registry{
		db:   db,
		path: path,
	}, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return r.db.Close()
}

func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) get(key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	value, err := r.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry get failed: %w", err)
	}
	return value, nil
}

func (r *Registry) put(key string, value []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}

	if err := r.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("registry put failed: %w", err)
	}
	return nil
}

func (r *Registry) putRecord(key string, record interface{}) error {
	data, err := model.Encode(record)
	if err != nil {
		return err
	}
	return r.put(key, data)
}

// forEach iterates all values under prefix. The callback receives the raw
// value; returning an error aborts the iteration.
func (r *Registry) forEach(prefix string, fn func(value []byte) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}

	iter := r.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("registry iteration failed: %w", err)
	}
	return nil
}

func (r *Registry) windowLock(ip string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return &r.windowLocks[h.Sum32()%windowLockStripes]
}

// --- whitelist ---

// GetWhitelist returns the whitelist entry for ip, or (nil, nil) when no
// entry exists.
func (r *Registry) GetWhitelist(ip string) (*model.WhitelistEntry, error) {
	data, err := r.get(prefixWhitelist + ip)
	if err != nil || data == nil {
		return nil, err
	}
	return model.DecodeWhitelistEntry(data)
}

func (r *Registry) PutWhitelist(entry *model.WhitelistEntry) error {
	return r.putRecord(prefixWhitelist+entry.IPAddress, entry)
}

// DeactivateWhitelist flips the entry inactive. Entries are deactivated,
// never deleted; the row stays behind for audit purposes.
func (r *Registry) DeactivateWhitelist(ip string) error {
	entry, err := r.GetWhitelist(ip)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	entry.Active = false
	return r.PutWhitelist(entry)
}

// --- resource pool ---

func (r *Registry) GetPoolEntry(poolID string) (*model.ResourcePoolEntry, error) {
	data, err := r.get(prefixPool + poolID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return model.DecodePoolEntry(data)
}

func (r *Registry) PutPoolEntry(entry *model.ResourcePoolEntry) error {
	return r.putRecord(prefixPool+entry.PoolID, entry)
}

func (r *Registry) ListPoolEntries() ([]*model.ResourcePoolEntry, error) {
	result := []*model.ResourcePoolEntry{}
	err := r.forEach(prefixPool, func(value []byte) error {
		entry, err := model.DecodePoolEntry(value)
		if err != nil {
			return err
		}
		result = append(result, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimPoolEntry marks a pool entry unavailable. The check-and-set runs
// under the pool lock; a concurrent claim of the same entry loses with
// ErrPoolEntryClaimed.
func (r *Registry) ClaimPoolEntry(poolID string) error {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	entry, err := r.GetPoolEntry(poolID)
	if err != nil {
		return err
	}
	if !entry.Available {
		return ErrPoolEntryClaimed
	}
	entry.Available = false
	return r.PutPoolEntry(entry)
}

// ReleasePoolEntry marks a pool entry available again. Releasing an
// already-available entry is a no-op.
func (r *Registry) ReleasePoolEntry(poolID string) error {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	entry, err := r.GetPoolEntry(poolID)
	if err != nil {
		return err
	}
	if entry.Available {
		return nil
	}
	entry.Available = true
	return r.PutPoolEntry(entry)
}

// --- allocations ---

func (r *Registry) GetAllocation(allocationID string) (*model.ResourceAllocation, error) {
	data, err := r.get(prefixAllocation + allocationID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return model.DecodeAllocation(data)
}

func (r *Registry) PutAllocation(allocation *model.ResourceAllocation) error {
	return r.putRecord(prefixAllocation+allocation.AllocationID, allocation)
}

func (r *Registry) DeactivateAllocation(allocationID string) error {
	allocation, err := r.GetAllocation(allocationID)
	if err != nil {
		return err
	}
	allocation.Active = false
	return r.PutAllocation(allocation)
}

// ListAllocationsByCustomer returns the customer's active allocations.
func (r *Registry) ListAllocationsByCustomer(customerID string) ([]*model.ResourceAllocation, error) {
	result := []*model.ResourceAllocation{}
	err := r.forEach(prefixAllocation, func(value []byte) error {
		allocation, err := model.DecodeAllocation(value)
		if err != nil {
			return err
		}
		if allocation.Active && allocation.CustomerID == customerID {
			result = append(result, allocation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListExpiredAllocations returns active allocations whose lease ran out
// before now.
func (r *Registry) ListExpiredAllocations(now time.Time) ([]*model.ResourceAllocation, error) {
	result := []*model.ResourceAllocation{}
	err := r.forEach(prefixAllocation, func(value []byte) error {
		allocation, err := model.DecodeAllocation(value)
		if err != nil {
			return err
		}
		if allocation.Active && allocation.ExpiredAt(now) {
			result = append(result, allocation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- rate windows ---

// IncrementWindow advances the durable fixed-window counter for ip. The
// read-modify-write (including wholesale rollover once the window is
// older than the window duration) runs under a per-key striped lock so
// that no two concurrent requests for the same IP both observe count
// zero.
func (r *Registry) IncrementWindow(ip string, window time.Duration, now time.Time) (int64, time.Time, error) {
	lock := r.windowLock(ip)
	lock.Lock()
	defer lock.Unlock()

	key := prefixRateWindow + ip
	data, err := r.get(key)
	if err != nil {
		return 0, time.Time{}, err
	}

	record := &model.RateWindow{IPAddress: ip, WindowStart: now}
	if data != nil {
		record, err = model.DecodeRateWindow(data)
		if err != nil {
			return 0, time.Time{}, err
		}
		if now.Sub(record.WindowStart) >= window {
			record.RequestCount = 0
			record.WindowStart = now
		}
	}

	record.RequestCount++
	if err := r.putRecord(key, record); err != nil {
		return 0, time.Time{}, err
	}
	return record.RequestCount, record.WindowStart, nil
}

// --- usage log ---

// AppendUsage appends one usage event. Keys are ordered by timestamp with
// a process-local sequence suffix to keep concurrent appends from
// colliding.
func (r *Registry) AppendUsage(record *model.UsageRecord) error {
	seq := r.usageSeq.Add(1)
	key := fmt.Sprintf("%s%020d-%012d", prefixUsage, record.Timestamp.UnixNano(), seq)
	return r.putRecord(key, record)
}

// ListUsage returns up to max usage records in append order. The billing
// aggregation collaborator consumes the log through this.
func (r *Registry) ListUsage(max int) ([]*model.UsageRecord, error) {
	result := []*model.UsageRecord{}
	err := r.forEach(prefixUsage, func(value []byte) error {
		if len(result) >= max {
			return nil
		}
		record, err := model.DecodeUsageRecord(value)
		if err != nil {
			return err
		}
		result = append(result, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

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
package model

import (
	"fmt"
	"time"
)

type PlanTier string

const (
	PlanBasic      PlanTier = "basic"
	PlanPremium    PlanTier = "premium"
	PlanEnterprise PlanTier = "enterprise"
)

type ResourceKind string

const (
	ResourceIPOnly    ResourceKind = "ip_only"
	ResourceIPPort    ResourceKind = "ip_port"
	ResourcePortRange ResourceKind = "port_range"
)

// PortRange is inclusive on both ends.
type PortRange struct {
	Start int32 `msgpack:"start" json:"start" validate:"gte=0,lte=65535"`
	End   int32 `msgpack:"end" json:"end" validate:"gte=0,lte=65535,gtefield=Start"`
}

func (p PortRange) String() string {
	return fmt.Sprintf("%d-%d", p.Start, p.End)
}

// WhitelistEntry is the admission record for a single source IP. At most one
// active entry exists per IP address.
type WhitelistEntry struct {
	IPAddress          string    `msgpack:"ip" json:"ip" validate:"required,ip"`
	CustomerID         string    `msgpack:"customer" json:"customer" validate:"required"`
	PlanTier           PlanTier  `msgpack:"plan" json:"plan" validate:"required,oneof=basic premium enterprise"`
	RateLimitPerMinute int       `msgpack:"rate-limit" json:"rate-limit" validate:"gt=0"`
	CreatedAt          time.Time `msgpack:"created-at" json:"created-at"`
	ExpiresAt          time.Time `msgpack:"expires-at" json:"expires-at" validate:"required"`
	Active             bool      `msgpack:"active" json:"active"`
}

// ExpiredAt reports whether the entry's own lease has run out. An expired
// entry never admits traffic, regardless of where it was read from.
func (e *WhitelistEntry) ExpiredAt(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// ResourcePoolEntry is one allocatable (IP, port range) resource.
// Available=false if and only if exactly one active ResourceAllocation
// references it.
type ResourcePoolEntry struct {
	PoolID      string     `msgpack:"pool-id" json:"pool-id" validate:"required"`
	IPAddress   string     `msgpack:"ip" json:"ip" validate:"required,ip"`
	PortRange   *PortRange `msgpack:"port-range,omitempty" json:"port-range,omitempty"`
	Kind        ResourceKind `msgpack:"kind" json:"kind" validate:"required,oneof=ip_only ip_port port_range"`
	// ReservedFor is empty for entries any plan may claim via fallback.
	ReservedFor PlanTier `msgpack:"reserved-for" json:"reserved-for" validate:"omitempty,oneof=basic premium enterprise"`
	Available   bool     `msgpack:"available" json:"available"`
}

// ResourceKey identifies the underlying resource independent of the pool ID,
// used to keep pool seeding idempotent.
func (p *ResourcePoolEntry) ResourceKey() string {
	if p.PortRange == nil {
		return p.IPAddress
	}
	return fmt.Sprintf("%s:%s", p.IPAddress, p.PortRange)
}

// ResourceAllocation is a customer's lease on a pool entry.
type ResourceAllocation struct {
	AllocationID string     `msgpack:"allocation-id" json:"allocation-id" validate:"required"`
	CustomerID   string     `msgpack:"customer" json:"customer" validate:"required"`
	PoolID       string     `msgpack:"pool-id" json:"pool-id" validate:"required"`
	IPAddress    string     `msgpack:"ip" json:"ip" validate:"required,ip"`
	PortRange    *PortRange `msgpack:"port-range,omitempty" json:"port-range,omitempty"`
	Kind         ResourceKind `msgpack:"kind" json:"kind" validate:"required,oneof=ip_only ip_port port_range"`
	AllocatedAt  time.Time  `msgpack:"allocated-at" json:"allocated-at"`
	ExpiresAt    time.Time  `msgpack:"expires-at" json:"expires-at" validate:"required"`
	Active       bool       `msgpack:"active" json:"active"`
}

func (a *ResourceAllocation) ExpiredAt(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// RateWindow is the durable fixed-window counter used when no cache is
// available. RequestCount covers [WindowStart, WindowStart+window).
type RateWindow struct {
	IPAddress    string    `msgpack:"ip" json:"ip" validate:"required"`
	RequestCount int64     `msgpack:"count" json:"count" validate:"gte=0"`
	WindowStart  time.Time `msgpack:"window-start" json:"window-start"`
}

// UsageRecord is one append-only usage log event. Billing aggregation
// consumes these downstream; nothing in this repository ever mutates one.
type UsageRecord struct {
	IPAddress      string    `msgpack:"ip" json:"ip" validate:"required"`
	CustomerID     string    `msgpack:"customer" json:"customer"`
	Endpoint       string    `msgpack:"endpoint" json:"endpoint" validate:"required"`
	Timestamp      time.Time `msgpack:"timestamp" json:"timestamp"`
	ResponseTimeMs int64     `msgpack:"response-time-ms" json:"response-time-ms" validate:"gte=0"`
	Success        bool      `msgpack:"success" json:"success"`
}

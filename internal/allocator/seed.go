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
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/config"
	"github.com/fastping-it/proxypool/internal/model"
)

var validReservations = []string{
	"",
	string(model.PlanBasic),
	string(model.PlanPremium),
	string(model.PlanEnterprise),
}

// poolID derives a stable ID from the underlying resource so that
// re-seeding the same configuration never duplicates entries.
func poolID(resourceKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("proxypool:"+resourceKey)).String()
}

// SeedPools writes the configured resource pools into the registry.
// Seeding is idempotent: entries that already exist are left untouched,
// so claimed resources never flip back to available on restart.
func SeedPools(reg Registry, pool config.Pool) (int, error) {
	seeded := 0

	existing, err := reg.ListPoolEntries()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, entry := range existing {
		known[entry.PoolID] = true
	}

	emplace := func(entry *model.ResourcePoolEntry) error {
		if known[entry.PoolID] {
			return nil
		}
		if err := reg.PutPoolEntry(entry); err != nil {
			return err
		}
		known[entry.PoolID] = true
		seeded++
		return nil
	}

	for _, cfg := range pool.IPOnly {
		if !slices.Contains(validReservations, cfg.Plan) {
			return seeded, fmt.Errorf("pool.ip-only has an invalid plan reservation %q", cfg.Plan)
		}
		prefix, err := netip.ParsePrefix(cfg.CIDR)
		if err != nil {
			return seeded, fmt.Errorf("invalid pool cidr %q: %w", cfg.CIDR, err)
		}
		for _, addr := range hosts(prefix) {
			entry := &model.ResourcePoolEntry{
				PoolID:      poolID(addr.String()),
				IPAddress:   addr.String(),
				Kind:        model.ResourceIPOnly,
				ReservedFor: model.PlanTier(cfg.Plan),
				Available:   true,
			}
			if err := emplace(entry); err != nil {
				return seeded, err
			}
		}
	}

	for _, cfg := range pool.IPPort {
		if !slices.Contains(validReservations, cfg.Plan) {
			return seeded, fmt.Errorf("pool.ip-port has an invalid plan reservation %q", cfg.Plan)
		}
		portRange := &model.PortRange{Start: cfg.PortStart, End: cfg.PortEnd}
		kind := model.ResourceIPPort
		if cfg.Plan == string(model.PlanEnterprise) {
			kind = model.ResourcePortRange
		}
		entry := &model.ResourcePoolEntry{
			PoolID:      poolID(fmt.Sprintf("%s:%s", cfg.IP, portRange)),
			IPAddress:   cfg.IP,
			PortRange:   portRange,
			Kind:        kind,
			ReservedFor: model.PlanTier(cfg.Plan),
			Available:   true,
		}
		if err := emplace(entry); err != nil {
			return seeded, err
		}
	}

	if seeded > 0 {
		klog.Infof("seeded %d new pool entries", seeded)
	}
	return seeded, nil
}

// hosts expands a prefix into usable addresses, skipping the network and
// broadcast addresses of IPv4 prefixes wider than /31.
func hosts(prefix netip.Prefix) []netip.Addr {
	prefix = prefix.Masked()

	if prefix.Addr().Is4() && prefix.Bits() >= 31 {
		result := []netip.Addr{prefix.Addr()}
		if prefix.Bits() == 31 {
			result = append(result, prefix.Addr().Next())
		}
		return result
	}

	result := []netip.Addr{}
	for addr := prefix.Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		result = append(result, addr)
	}
	if len(result) > 0 && prefix.Addr().Is4() {
		// drop the broadcast address
		result = result[:len(result)-1]
	}
	return result
}

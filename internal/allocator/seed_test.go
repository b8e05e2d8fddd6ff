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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastping-it/proxypool/internal/config"
	"github.com/fastping-it/proxypool/internal/model"
	"github.com/fastping-it/proxypool/internal/registry"
)

func newSeedTestRegistry(t *testing.T) *registry.Registry {
	reg, err := registry.Open(t.TempDir())
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
	})
	return reg
}

func TestHostsExpansion(t *testing.T) {
	addrs := hosts(netip.MustParsePrefix("10.0.1.0/29"))
	require.Equal(t, 6, len(addrs))
	assert.Equal(t, "10.0.1.1", addrs[0].String())
	assert.Equal(t, "10.0.1.6", addrs[5].String())

	addrs = hosts(netip.MustParsePrefix("10.0.1.4/31"))
	require.Equal(t, 2, len(addrs))
	assert.Equal(t, "10.0.1.4", addrs[0].String())
	assert.Equal(t, "10.0.1.5", addrs[1].String())

	addrs = hosts(netip.MustParsePrefix("10.0.1.5/32"))
	require.Equal(t, 1, len(addrs))
	assert.Equal(t, "10.0.1.5", addrs[0].String())
}

func TestSeedPoolsWritesConfiguredEntries(t *testing.T) {
	reg := newSeedTestRegistry(t)

	seeded, err := SeedPools(reg, config.Pool{
		IPOnly: []config.IPOnlyPool{
			{CIDR: "10.0.1.0/30", Plan: "basic"},
		},
		IPPort: []config.IPPortPool{
			{IP: "10.0.2.5", PortStart: 8000, PortEnd: 8099, Plan: "premium"},
		},
	})
	require.Nil(t, err)
	// /30 yields two usable hosts plus the ip-port entry
	assert.Equal(t, 3, seeded)

	entries, err := reg.ListPoolEntries()
	require.Nil(t, err)
	require.Equal(t, 3, len(entries))

	byKey := make(map[string]*model.ResourcePoolEntry)
	for _, entry := range entries {
		byKey[entry.ResourceKey()] = entry
		assert.True(t, entry.Available)
	}
	assert.Equal(t, model.PlanBasic, byKey["10.0.1.1"].ReservedFor)
	assert.Equal(t, model.ResourceIPOnly, byKey["10.0.1.2"].Kind)

	premium := byKey["10.0.2.5:8000-8099"]
	require.NotNil(t, premium)
	assert.Equal(t, model.ResourceIPPort, premium.Kind)
	assert.Equal(t, model.PlanPremium, premium.ReservedFor)
}

func TestSeedPoolsGivesEnterpriseRangesTheirOwnKind(t *testing.T) {
	reg := newSeedTestRegistry(t)

	_, err := SeedPools(reg, config.Pool{
		IPPort: []config.IPPortPool{
			{IP: "10.0.3.5", PortStart: 9000, PortEnd: 9999, Plan: "enterprise"},
		},
	})
	require.Nil(t, err)

	entries, err := reg.ListPoolEntries()
	require.Nil(t, err)
	require.Equal(t, 1, len(entries))
	assert.Equal(t, model.ResourcePortRange, entries[0].Kind)
}

func TestSeedPoolsIsIdempotent(t *testing.T) {
	reg := newSeedTestRegistry(t)
	pool := config.Pool{
		IPOnly: []config.IPOnlyPool{
			{CIDR: "10.0.1.0/30", Plan: "basic"},
		},
	}

	seeded, err := SeedPools(reg, pool)
	require.Nil(t, err)
	require.Equal(t, 2, seeded)

	entries, err := reg.ListPoolEntries()
	require.Nil(t, err)
	require.Nil(t, reg.ClaimPoolEntry(entries[0].PoolID))

	// re-seeding must not resurrect the claimed entry
	seeded, err = SeedPools(reg, pool)
	require.Nil(t, err)
	assert.Equal(t, 0, seeded)

	claimed, err := reg.GetPoolEntry(entries[0].PoolID)
	require.Nil(t, err)
	assert.False(t, claimed.Available)
}

func TestSeedPoolsRejectsBadConfiguration(t *testing.T) {
	reg := newSeedTestRegistry(t)

	_, err := SeedPools(reg, config.Pool{
		IPOnly: []config.IPOnlyPool{{CIDR: "not-a-cidr", Plan: "basic"}},
	})
	assert.NotNil(t, err)

	_, err = SeedPools(reg, config.Pool{
		IPOnly: []config.IPOnlyPool{{CIDR: "10.0.1.0/30", Plan: "gold"}},
	})
	assert.NotNil(t, err)
}

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
package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fastping-it/proxypool/internal/model"
)

const exampleConfig = `
bind-address = "127.0.0.1"
bind-port = 15310

[storage]
path = "/var/lib/proxypool/registry"

[cache]
whitelist-ttl-seconds = 120

[lease]
duration-hours = 24

[plans.premium]
rate-limit-per-minute = 600

[[endpoint-override]]
endpoint = "/v1/check"
plan = "basic"
rate-limit-per-minute = 60

[[pool.ip-only]]
cidr = "10.0.1.0/28"
plan = "basic"

[[pool.ip-port]]
ip = "10.0.2.5"
port-start = 8000
port-end = 8099
plan = "premium"
`

func TestReadConfig(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindAddress)
	assert.Equal(t, int32(15310), cfg.BindPort)
	assert.Equal(t, "/var/lib/proxypool/registry", cfg.Storage.Path)
	assert.Equal(t, 120, cfg.Cache.WhitelistTTLSeconds)
	assert.Equal(t, 24, cfg.Lease.DurationHours)
	assert.Equal(t, 600, cfg.Plans["premium"].RateLimitPerMinute)
	assert.Len(t, cfg.EndpointOverrides, 1)
	assert.Len(t, cfg.Pool.IPOnly, 1)
	assert.Len(t, cfg.Pool.IPPort, 1)
}

func TestFillConfigAppliesDefaults(t *testing.T) {
	cfg := Config{}
	FillConfig(&cfg)

	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, int32(15310), cfg.BindPort)
	assert.Equal(t, 300, cfg.Cache.WhitelistTTLSeconds)
	assert.Equal(t, 720, cfg.Lease.DurationHours)
	assert.Equal(t, 60, cfg.Lease.ReclaimIntervalMinutes)
	assert.Equal(t, 100, cfg.Plans["basic"].RateLimitPerMinute)
	assert.Equal(t, 500, cfg.Plans["premium"].RateLimitPerMinute)
	assert.Equal(t, 2000, cfg.Plans["enterprise"].RateLimitPerMinute)
	assert.Equal(t, int64(200000), cfg.Plans["enterprise"].MonthlyQuota)
}

func TestFillConfigKeepsConfiguredPlanValues(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)

	assert.Equal(t, 600, cfg.Plans["premium"].RateLimitPerMinute)
	// unset fields of a partially configured plan get the defaults
	assert.Equal(t, int64(50000), cfg.Plans["premium"].MonthlyQuota)
}

func TestValidateConfigRejectsMissingStoragePath(t *testing.T) {
	cfg := Config{}
	FillConfig(&cfg)

	err := ValidateConfig(&cfg)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "storage.path")
}

func TestValidateConfigRejectsBadCIDR(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)
	cfg.Pool.IPOnly[0].CIDR = "not-a-cidr"

	err = ValidateConfig(&cfg)
	assert.NotNil(t, err)
}

func TestValidateConfigRejectsOversizedPoolBlocks(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)

	// a /8 would expand to sixteen million pool entries
	cfg.Pool.IPOnly[0].CIDR = "10.0.0.0/8"
	err = ValidateConfig(&cfg)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "too large")

	cfg.Pool.IPOnly[0].CIDR = "2001:db8::/64"
	err = ValidateConfig(&cfg)
	assert.NotNil(t, err)

	cfg.Pool.IPOnly[0].CIDR = "10.0.1.0/24"
	assert.Nil(t, ValidateConfig(&cfg))

	cfg.Pool.IPOnly[0].CIDR = "2001:db8::/120"
	assert.Nil(t, ValidateConfig(&cfg))
}

func TestValidateConfigRejectsBadPortRange(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)
	cfg.Pool.IPPort[0].PortEnd = 70000

	err = ValidateConfig(&cfg)
	assert.NotNil(t, err)
}

func TestValidateConfigAcceptsExample(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)

	assert.Nil(t, ValidateConfig(&cfg))
}

func TestLimitForUsesPlanDefault(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)

	assert.Equal(t, 600, cfg.LimitFor(model.PlanPremium, "/v1/ping"))
}

func TestLimitForOverrideWinsOverPlanDefault(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	assert.Nil(t, err)
	FillConfig(&cfg)

	assert.Equal(t, 60, cfg.LimitFor(model.PlanBasic, "/v1/check"))
	// the override is scoped to the basic plan
	assert.Equal(t, 600, cfg.LimitFor(model.PlanPremium, "/v1/check"))
}

func TestLimitForUnknownTierFallsBackToBasic(t *testing.T) {
	cfg := Config{}
	FillConfig(&cfg)

	assert.Equal(t, 100, cfg.LimitFor(model.PlanTier("gold"), "/v1/ping"))
	assert.Equal(t, int64(10000), cfg.QuotaFor(model.PlanTier("gold")))
}

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
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/fastping-it/proxypool/internal/model"
)

type Storage struct {
	Path string `toml:"path"`
}

type Cache struct {
	Disabled               bool `toml:"disabled"`
	WhitelistTTLSeconds    int  `toml:"whitelist-ttl-seconds"`
	JanitorIntervalSeconds int  `toml:"janitor-interval-seconds"`
}

type Lease struct {
	DurationHours          int `toml:"duration-hours"`
	ReclaimIntervalMinutes int `toml:"reclaim-interval-minutes"`
}

type Admin struct {
	SharedSecret  string `toml:"shared-secret"`
	TokenLifetime int    `toml:"token-lifetime"`
}

type PlanLimits struct {
	RateLimitPerMinute int   `toml:"rate-limit-per-minute"`
	MonthlyQuota       int64 `toml:"monthly-quota"`
}

type EndpointOverride struct {
	Endpoint           string `toml:"endpoint"`
	Plan               string `toml:"plan"`
	RateLimitPerMinute int    `toml:"rate-limit-per-minute"`
}

type IPOnlyPool struct {
	CIDR string `toml:"cidr"`
	Plan string `toml:"plan"`
}

type IPPortPool struct {
	IP        string `toml:"ip"`
	PortStart int32  `toml:"port-start"`
	PortEnd   int32  `toml:"port-end"`
	Plan      string `toml:"plan"`
}

type Pool struct {
	IPOnly []IPOnlyPool `toml:"ip-only"`
	IPPort []IPPortPool `toml:"ip-port"`
}

type Config struct {
	BindAddress string `toml:"bind-address"`
	BindPort    int32  `toml:"bind-port"`

	Storage Storage `toml:"storage"`
	Cache   Cache   `toml:"cache"`
	Lease   Lease   `toml:"lease"`
	Admin   Admin   `toml:"admin"`

	Plans             map[string]PlanLimits `toml:"plans"`
	EndpointOverrides []EndpointOverride    `toml:"endpoint-override"`
	Pool              Pool                  `toml:"pool"`
}

func ReadConfig(config io.Reader) (result Config, err error) {
	_, err = toml.NewDecoder(config).Decode(&result)
	return result, err
}

func ReadConfigFromFile(path string) (Config, error) {
	fin, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer fin.Close()
	return ReadConfig(fin)
}

func defaultString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func defaultInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func FillConfig(cfg *Config) {
	defaultString(&cfg.BindAddress, "0.0.0.0")
	if cfg.BindPort == 0 {
		cfg.BindPort = 15310
	}

	defaultInt(&cfg.Cache.WhitelistTTLSeconds, 300)
	defaultInt(&cfg.Cache.JanitorIntervalSeconds, 60)

	defaultInt(&cfg.Lease.DurationHours, 720)
	defaultInt(&cfg.Lease.ReclaimIntervalMinutes, 60)

	defaultInt(&cfg.Admin.TokenLifetime, 15)

	if cfg.Plans == nil {
		cfg.Plans = make(map[string]PlanLimits)
	}
	fillPlan(cfg.Plans, string(model.PlanBasic), PlanLimits{RateLimitPerMinute: 100, MonthlyQuota: 10000})
	fillPlan(cfg.Plans, string(model.PlanPremium), PlanLimits{RateLimitPerMinute: 500, MonthlyQuota: 50000})
	fillPlan(cfg.Plans, string(model.PlanEnterprise), PlanLimits{RateLimitPerMinute: 2000, MonthlyQuota: 200000})
}

func fillPlan(plans map[string]PlanLimits, name string, defaults PlanLimits) {
	plan, ok := plans[name]
	if !ok {
		plans[name] = defaults
		return
	}
	if plan.RateLimitPerMinute == 0 {
		plan.RateLimitPerMinute = defaults.RateLimitPerMinute
	}
	if plan.MonthlyQuota == 0 {
		plan.MonthlyQuota = defaults.MonthlyQuota
	}
	plans[name] = plan
}

func ValidateConfig(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set")
	}

	for name, plan := range cfg.Plans {
		if plan.RateLimitPerMinute <= 0 {
			return fmt.Errorf("plans.%s.rate-limit-per-minute must be greater than zero", name)
		}
	}

	for i, override := range cfg.EndpointOverrides {
		if override.Endpoint == "" {
			return fmt.Errorf("endpoint-override %d has unset endpoint", i+1)
		}
		if override.RateLimitPerMinute <= 0 {
			return fmt.Errorf("endpoint-override %d must have a positive rate limit", i+1)
		}
	}

	for i, pool := range cfg.Pool.IPOnly {
		prefix, err := netip.ParsePrefix(pool.CIDR)
		if err != nil {
			return fmt.Errorf("pool.ip-only %d has an invalid cidr %q: %s", i+1, pool.CIDR, err.Error())
		}
		// the block is expanded address-by-address at seed time, so it
		// has to stay small
		if prefix.Addr().Is4() && prefix.Bits() < 24 {
			return fmt.Errorf("pool.ip-only %d cidr %q is too large, use /24 or smaller blocks", i+1, pool.CIDR)
		}
		if prefix.Addr().Is6() && prefix.Bits() < 120 {
			return fmt.Errorf("pool.ip-only %d cidr %q is too large, use /120 or smaller blocks", i+1, pool.CIDR)
		}
	}

	for i, pool := range cfg.Pool.IPPort {
		if _, err := netip.ParseAddr(pool.IP); err != nil {
			return fmt.Errorf("pool.ip-port %d has an invalid ip %q: %s", i+1, pool.IP, err.Error())
		}
		if pool.PortStart <= 0 || pool.PortEnd > 65535 || pool.PortEnd < pool.PortStart {
			return fmt.Errorf("pool.ip-port %d has an invalid port range %d-%d", i+1, pool.PortStart, pool.PortEnd)
		}
	}

	return nil
}

// LimitFor resolves the per-minute rate limit for a plan on a specific
// endpoint. Endpoint overrides win over plan defaults; an unknown tier
// falls back to the basic plan.
func (cfg *Config) LimitFor(tier model.PlanTier, endpoint string) int {
	for _, override := range cfg.EndpointOverrides {
		if override.Endpoint != endpoint {
			continue
		}
		if override.Plan == "" || override.Plan == string(tier) {
			return override.RateLimitPerMinute
		}
	}

	if plan, ok := cfg.Plans[string(tier)]; ok {
		return plan.RateLimitPerMinute
	}
	return cfg.Plans[string(model.PlanBasic)].RateLimitPerMinute
}

// QuotaFor returns the monthly request quota for a plan, falling back to
// basic for unknown tiers.
func (cfg *Config) QuotaFor(tier model.PlanTier) int64 {
	if plan, ok := cfg.Plans[string(tier)]; ok {
		return plan.MonthlyQuota
	}
	return cfg.Plans[string(model.PlanBasic)].MonthlyQuota
}

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
package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fastping-it/proxypool/internal/allocator"
	"github.com/fastping-it/proxypool/internal/gate"
)

type Collector struct {
	gate      *gate.Gate
	allocator allocator.Allocator

	decisionsMetric *prometheus.GaugeVec
	poolMetric      *prometheus.GaugeVec
}

func NewCollector(admissionGate *gate.Gate, poolAllocator allocator.Allocator) *Collector {
	return &Collector{
		gate:      admissionGate,
		allocator: poolAllocator,
		decisionsMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxypool_admission_decisions_total",
				Help: "Number of admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		poolMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxypool_pool_entries",
				Help: "Number of resource pool entries by tier and state",
			},
			[]string{"tier", "state"},
		),
	}
}

func (c *Collector) Describe(out chan<- *prometheus.Desc) {
	c.decisionsMetric.Describe(out)
	c.poolMetric.Describe(out)
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	for outcome, count := range c.gate.DecisionCounts() {
		c.decisionsMetric.With(prometheus.Labels{"outcome": outcome}).Set(float64(count))
	}
	c.decisionsMetric.Collect(out)

	stats, err := c.allocator.PoolStats()
	if err == nil {
		for tier, tierStats := range stats {
			c.poolMetric.With(prometheus.Labels{"tier": tier, "state": "available"}).Set(float64(tierStats.Available))
			c.poolMetric.With(prometheus.Labels{"tier": tier, "state": "claimed"}).Set(float64(tierStats.Total - tierStats.Available))
		}
	}
	c.poolMetric.Collect(out)
}

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

// Package api is the thin HTTP translation layer over the admission and
// allocation subsystem. It maps admission decisions to status codes and
// shields the core from anything HTTP-shaped.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/gate"
	"github.com/fastping-it/proxypool/internal/model"
)

type Admitter interface {
	Admit(ctx context.Context, ip string, endpoint string) gate.Decision
}

type UsageRecorder interface {
	Record(record *model.UsageRecord)
}

// CheckHandler serves GET /v1/check: run the admission gate against the
// client IP and report the decision. Usage is logged for every outcome.
type CheckHandler struct {
	Gate     Admitter
	Recorder UsageRecorder
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection's remote address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		klog.V(5).Infof("failed to write response body: %s", err.Error())
	}
}

func (h *CheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ip := ClientIP(r)
	started := time.Now()
	decision := h.Gate.Admit(r.Context(), ip, r.URL.Path)
	elapsed := time.Since(started)

	h.Recorder.Record(&model.UsageRecord{
		IPAddress:      ip,
		CustomerID:     decision.CustomerID,
		Endpoint:       r.URL.Path,
		Timestamp:      started,
		ResponseTimeMs: elapsed.Milliseconds(),
		Success:        decision.Allowed,
	})

	if decision.Allowed {
		writeJSON(w, http.StatusOK, decision)
		return
	}

	switch decision.Reason {
	case gate.DenyRateLimited:
		retryAfter := int(time.Until(decision.Rate.Reset).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, decision)
	case gate.DenyStorageError:
		writeJSON(w, http.StatusServiceUnavailable, decision)
	default:
		writeJSON(w, http.StatusForbidden, decision)
	}
}

// Pinger is what the health endpoint needs from the registry.
type Pinger interface {
	ListPoolEntries() ([]*model.ResourcePoolEntry, error)
}

// HealthHandler serves GET /health. It is never admission-gated.
type HealthHandler struct {
	Registry Pinger
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := h.Registry.ListPoolEntries(); err != nil {
		klog.Warningf("health check failed: %s", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

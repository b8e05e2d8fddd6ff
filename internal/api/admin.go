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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/allocator"
	"github.com/fastping-it/proxypool/internal/model"
	"github.com/fastping-it/proxypool/internal/registry"
)

const (
	adminPrefix     = "/v1/admin/"
	allocationsPath = "/v1/admin/allocations"
	customersPath   = "/v1/admin/customers/"
	poolsPath       = "/v1/admin/pools"
)

type allocateRequest struct {
	CustomerID string `json:"customer_id"`
	Plan       string `json:"plan"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AdminHandler serves the provisioning API under /v1/admin/. Every
// request must carry a valid bearer token.
type AdminHandler struct {
	Auth      *AdminAuth
	Allocator allocator.Allocator

	MaxRequestSize int64
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Authenticate(r); err != nil {
		klog.V(5).Infof("rejected admin request from %s: %s", r.RemoteAddr, err.Error())
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	path := r.URL.Path
	switch {
	case path == allocationsPath && r.Method == http.MethodPost:
		h.allocate(w, r)
	case strings.HasPrefix(path, allocationsPath+"/") && r.Method == http.MethodDelete:
		h.release(w, r, strings.TrimPrefix(path, allocationsPath+"/"))
	case strings.HasPrefix(path, customersPath) && strings.HasSuffix(path, "/resources") && r.Method == http.MethodGet:
		customerID := strings.TrimSuffix(strings.TrimPrefix(path, customersPath), "/resources")
		h.customerResources(w, customerID)
	case path == poolsPath && r.Method == http.MethodGet:
		h.poolStats(w)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *AdminHandler) allocate(w http.ResponseWriter, r *http.Request) {
	maxSize := h.MaxRequestSize
	if maxSize == 0 {
		maxSize = 1 << 20
	}

	var request allocateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSize)).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if request.CustomerID == "" || request.Plan == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "customer_id and plan are required"})
		return
	}

	allocation, err := h.Allocator.Allocate(r.Context(), request.CustomerID, model.PlanTier(request.Plan))
	if err != nil {
		// a failed allocation must prevent customer activation; the
		// caller gets the failure, never a half-provisioned customer
		switch {
		case errors.Is(err, allocator.ErrNoResourceAvailable):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "no resource available for plan"})
		case errors.Is(err, allocator.ErrAllocationConflict):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "allocation conflict, retry"})
		default:
			klog.Errorf("allocation for customer %q failed: %s", request.CustomerID, err.Error())
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "allocation failed"})
		}
		return
	}

	writeJSON(w, http.StatusCreated, allocation)
}

func (h *AdminHandler) release(w http.ResponseWriter, r *http.Request, allocationID string) {
	if err := h.Allocator.Release(r.Context(), allocationID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown allocation"})
			return
		}
		klog.Errorf("release of allocation %s failed: %s", allocationID, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "release failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) customerResources(w http.ResponseWriter, customerID string) {
	allocations, err := h.Allocator.CustomerResources(customerID)
	if err != nil {
		klog.Errorf("resource listing for customer %q failed: %s", customerID, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing failed"})
		return
	}
	writeJSON(w, http.StatusOK, allocations)
}

func (h *AdminHandler) poolStats(w http.ResponseWriter) {
	stats, err := h.Allocator.PoolStats()
	if err != nil {
		klog.Errorf("pool stats failed: %s", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

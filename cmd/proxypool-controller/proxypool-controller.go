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
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/allocator"
	"github.com/fastping-it/proxypool/internal/api"
	"github.com/fastping-it/proxypool/internal/cache"
	"github.com/fastping-it/proxypool/internal/config"
	"github.com/fastping-it/proxypool/internal/gate"
	"github.com/fastping-it/proxypool/internal/registry"
	"github.com/fastping-it/proxypool/internal/usage"
)

var (
	configPath string
	mintToken  bool
)

func init() {
	flag.StringVar(&configPath, "config", "/etc/proxypool/controller.toml", "Path to the controller configuration file")
	flag.BoolVar(&mintToken, "mint-admin-token", false, "Mint a short-lived token for the provisioning API and exit")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fileCfg, err := config.ReadConfigFromFile(configPath)
	if err != nil {
		klog.Fatalf("Failed reading config: %s", err.Error())
	}
	config.FillConfig(&fileCfg)
	if err := config.ValidateConfig(&fileCfg); err != nil {
		klog.Fatalf("Invalid config: %s", err.Error())
	}

	if mintToken {
		auth, err := api.NewAdminAuth(fileCfg.Admin)
		if err != nil {
			klog.Fatalf("Failed to configure admin auth: %s", err.Error())
		}
		token, err := auth.GenerateToken()
		if err != nil {
			klog.Fatalf("Failed to mint token: %s", err.Error())
		}
		fmt.Println(token)
		return
	}

	reg, err := registry.Open(fileCfg.Storage.Path)
	if err != nil {
		klog.Fatalf("Failed to open registry: %s", err.Error())
	}
	defer reg.Close()

	if _, err := allocator.SeedPools(reg, fileCfg.Pool); err != nil {
		klog.Fatalf("Failed to seed resource pools: %s", err.Error())
	}

	var lookupCache *cache.MemoryCache
	if !fileCfg.Cache.Disabled {
		lookupCache = cache.NewMemoryCache()
	} else {
		klog.Warning("running without fast-lookup cache, every admission check hits the registry")
	}

	cacheTTL := time.Duration(fileCfg.Cache.WhitelistTTLSeconds) * time.Second
	lease := time.Duration(fileCfg.Lease.DurationHours) * time.Hour

	// the interface-typed nils matter here: a typed nil *MemoryCache must
	// not end up inside a non-nil interface value
	var whitelistCache cache.WhitelistCache
	var gateCache cache.Cache
	if lookupCache != nil {
		whitelistCache = lookupCache
		gateCache = lookupCache
	}

	poolAllocator := allocator.NewPoolAllocator(reg, whitelistCache, &fileCfg, lease, cacheTTL)
	admissionGate := gate.NewGate(reg, gateCache, &fileCfg, cacheTTL)
	recorder := usage.NewRecorder(reg, usage.DefaultBuffer)

	collector := api.NewCollector(admissionGate, poolAllocator)
	if err := prometheus.Register(collector); err != nil {
		klog.Fatalf("Failed to register metrics collector: %s", err.Error())
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/check", &api.CheckHandler{Gate: admissionGate, Recorder: recorder})
	mux.Handle("/health", &api.HealthHandler{Registry: reg})
	mux.Handle("/metrics", promhttp.Handler())

	if fileCfg.Admin.SharedSecret != "" {
		auth, err := api.NewAdminAuth(fileCfg.Admin)
		if err != nil {
			klog.Fatalf("Failed to configure admin auth: %s", err.Error())
		}
		mux.Handle("/v1/admin/", &api.AdminHandler{Auth: auth, Allocator: poolAllocator})
	} else {
		klog.Warning("admin.shared-secret is unset, provisioning API is disabled")
	}

	go runReclamation(ctx, poolAllocator, time.Duration(fileCfg.Lease.ReclaimIntervalMinutes)*time.Minute)
	if lookupCache != nil {
		go runJanitor(ctx, lookupCache, time.Duration(fileCfg.Cache.JanitorIntervalSeconds)*time.Second)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", fileCfg.BindAddress, fileCfg.BindPort),
		Handler: mux,
	}

	go func() {
		klog.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("HTTP server failed: %s", err.Error())
		}
	}()

	<-ctx.Done()
	klog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.Warningf("HTTP shutdown failed: %s", err.Error())
	}
	recorder.Close()
}

func runReclamation(ctx context.Context, poolAllocator allocator.Allocator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := poolAllocator.ReclaimExpired(ctx, time.Now()); err != nil {
				klog.Warningf("reclamation sweep failed: %s", err.Error())
			}
		}
	}
}

func runJanitor(ctx context.Context, lookupCache *cache.MemoryCache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lookupCache.Sweep(time.Now())
		}
	}
}

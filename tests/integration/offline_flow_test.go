package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/worker"
)

const portalOrigin = "http://portal.local"

type portalEnv struct {
	app          *fiber.App
	stub         *portalStub
	storage      cache.Storage
	registration *worker.Registration
	cfg          *config.Config
}

// newPortalEnv 从 TOML 配置组装完整的服务：磁盘缓存、上游网络、注册表与 Fiber 应用。
func newPortalEnv(t *testing.T, extraWorker string) *portalEnv {
	t.Helper()
	stub := newPortalStub(t)
	storageDir := t.TempDir()

	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := fmt.Sprintf(`
ListenPort = 5000
LogLevel = "debug"
StoragePath = %q

[Worker]
Origin = %q
Upstream = %q
%s
`, storageDir, portalOrigin, stub.URL(), extraWorker)
	if err := os.WriteFile(configPath, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	env := newPortalEnvOn(t, cfg)
	env.stub = stub
	return env
}

// newPortalEnvOn 基于已加载的配置组装服务，供重启场景复用同一存储目录。
func newPortalEnvOn(t *testing.T, cfg *config.Config) *portalEnv {
	t.Helper()
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	origin, _ := url.Parse(cfg.Worker.Origin)
	upstream, _ := url.Parse(cfg.Worker.Upstream)

	logger := logging.Discard()
	network := proxy.NewUpstreamNetwork(server.NewUpstreamClient(cfg), origin, upstream)
	registration := worker.NewRegistration(logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(registration, network, origin, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, registration, store)

	return &portalEnv{
		app:          app,
		storage:      store,
		registration: registration,
		cfg:          cfg,
	}
}

func (e *portalEnv) newWorker(t *testing.T, cfg config.WorkerConfig) *worker.Worker {
	t.Helper()
	origin, _ := url.Parse(cfg.Origin)
	upstream, _ := url.Parse(cfg.Upstream)
	logger := logging.Discard()
	w, err := worker.New(worker.Options{
		Version:              cfg.CacheVersion,
		Generation:           cfg.Generation(),
		Names:                worker.NamesFor(cfg.CachePrefix, cfg.CacheVersion),
		Origin:               origin,
		Manifest:             cfg.StaticManifest,
		AssetPrefixes:        cfg.AssetPrefixes,
		BestEffortActivation: cfg.ActivationMode == config.ActivationBestEffort,
		Storage:              e.storage,
		Network:              proxy.NewUpstreamNetwork(server.NewUpstreamClient(e.cfg), origin, upstream),
		Sync:                 worker.DefaultSyncRegistry(logger),
		Logger:               logger,
	})
	if err != nil {
		t.Fatalf("worker init: %v", err)
	}
	return w
}

func (e *portalEnv) register(t *testing.T, cfg config.WorkerConfig) *worker.Worker {
	t.Helper()
	w := e.newWorker(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.registration.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}
	return w
}

func (e *portalEnv) get(t *testing.T, path string, headers ...string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, portalOrigin+path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestOfflineFlowEndToEnd(t *testing.T) {
	env := newPortalEnv(t, "")
	w := env.register(t, env.cfg.Worker)

	names := w.Names()
	if names.Static != "career-portal-static-v1.0.0" || names.Dynamic != "career-portal-dynamic-v1.0.0" {
		t.Fatalf("unexpected default cache names %+v", names)
	}
	for path := range portalPages {
		if env.stub.count(path) != 1 {
			t.Fatalf("manifest entry %s should be fetched exactly once during install, got %d", path, env.stub.count(path))
		}
	}

	// 静态资源命中预缓存，不再访问上游。
	resp, body := env.get(t, "/static/manifest.json")
	if body != portalPages["/static/manifest.json"] || resp.Header.Get(proxy.HeaderSource) != "cache" {
		t.Fatalf("expected manifest.json from cache, got %s (%s)", body, resp.Header.Get(proxy.HeaderSource))
	}
	if env.stub.count("/static/manifest.json") != 1 {
		t.Fatalf("cache-first hit must not contact the upstream")
	}

	// 页面请求走网络并写入动态缓存。
	resp, body = env.get(t, "/jobs", "Sec-Fetch-Mode", "navigate")
	if body != "live:/jobs" || resp.Header.Get(proxy.HeaderSource) != "network" {
		t.Fatalf("expected live /jobs, got %s (%s)", body, resp.Header.Get(proxy.HeaderSource))
	}

	// 非 200 响应原样返回且不缓存。
	resp, _ = env.get(t, "/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", resp.StatusCode)
	}

	env.stub.Close()

	resp, body = env.get(t, "/jobs", "Sec-Fetch-Mode", "navigate")
	if body != "live:/jobs" || resp.Header.Get(proxy.HeaderSource) != "cache" {
		t.Fatalf("expected cached /jobs offline, got %s (%s)", body, resp.Header.Get(proxy.HeaderSource))
	}

	resp, body = env.get(t, "/never-visited", "Sec-Fetch-Mode", "navigate")
	if body != portalPages["/"] || resp.Header.Get(proxy.HeaderSource) != "fallback" {
		t.Fatalf("expected shell fallback for offline navigation, got %s", body)
	}

	resp, body = env.get(t, "/static/theme.css", "Sec-Fetch-Dest", "document")
	if body != portalPages["/"] || resp.Header.Get(proxy.HeaderSource) != "fallback" {
		t.Fatalf("expected shell fallback for offline document asset, got %s", body)
	}

	resp, _ = env.get(t, "/static/theme.css")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("offline subresource miss should fail, got %d", resp.StatusCode)
	}

	resp, _ = env.get(t, "/missing")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("404 must not have been cached, got %d", resp.StatusCode)
	}
}

func TestVersionUpgradePurgesOtherNamespaces(t *testing.T) {
	env := newPortalEnv(t, "")
	ctx := context.Background()
	for _, stale := range []string{"career-portal-static-v0.9.0", "career-portal-dynamic-v0.9.0", "legacy-cache"} {
		if _, err := env.storage.Open(ctx, stale); err != nil {
			t.Fatalf("seed %s: %v", stale, err)
		}
	}

	first := env.register(t, env.cfg.Worker)
	env.get(t, "/jobs")

	upgraded := env.cfg.Worker
	upgraded.CacheVersion = "v1.1.0"
	second := env.register(t, upgraded)

	if env.registration.Controller() != second {
		t.Fatalf("upgraded worker should control")
	}
	if first.State() != worker.StateRedundant {
		t.Fatalf("previous worker should be redundant, got %s", first.State())
	}

	keys, err := env.storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "career-portal-static-v1.1.0" {
		t.Fatalf("only the new static namespace should remain, got %v", keys)
	}
}

func TestDiagnosticsReportCachesAndSync(t *testing.T) {
	env := newPortalEnv(t, `CacheVersion = "v2.0.0"
ActivationMode = "best-effort"`)
	env.register(t, env.cfg.Worker)
	env.get(t, "/dashboard")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/-/caches", nil))
	if err != nil {
		t.Fatalf("caches request: %v", err)
	}
	var payload struct {
		Controller struct {
			Version string `json:"version"`
			State   string `json:"state"`
		} `json:"controller"`
		Namespaces []struct {
			Name    string `json:"name"`
			Entries int    `json:"entries"`
			Current bool   `json:"current"`
		} `json:"namespaces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode caches: %v", err)
	}
	resp.Body.Close()
	if payload.Controller.Version != "v2.0.0" || payload.Controller.State != "activated" {
		t.Fatalf("unexpected controller %+v", payload.Controller)
	}
	counts := map[string]int{}
	for _, ns := range payload.Namespaces {
		if !ns.Current {
			t.Fatalf("namespace %s should be current", ns.Name)
		}
		counts[ns.Name] = ns.Entries
	}
	if counts["career-portal-static-v2.0.0"] != len(portalPages) {
		t.Fatalf("static namespace should hold the manifest, got %v", counts)
	}
	if counts["career-portal-dynamic-v2.0.0"] != 1 {
		t.Fatalf("dynamic namespace should hold /dashboard, got %v", counts)
	}

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/-/sync/"+worker.BackgroundSyncTag, nil))
	if err != nil {
		t.Fatalf("sync request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected sync to complete, got %d", resp.StatusCode)
	}
}

func TestRestartWhileOfflineKeepsServingFromDisk(t *testing.T) {
	env := newPortalEnv(t, "")
	env.register(t, env.cfg.Worker)
	env.get(t, "/jobs", "Sec-Fetch-Mode", "navigate")
	env.stub.Close()

	// 同一存储目录上重新组装服务，模拟离线状态下的进程重启。
	restarted := newPortalEnvOn(t, env.cfg)
	w := restarted.newWorker(t, restarted.cfg.Worker)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := restarted.registration.Register(ctx, w); err == nil {
		t.Fatalf("install should fail with the upstream gone")
	}
	restored, err := restarted.registration.Restore(ctx, restarted.newWorker(t, restarted.cfg.Worker))
	if err != nil || !restored {
		t.Fatalf("expected restore from disk, restored=%v err=%v", restored, err)
	}

	resp, body := restarted.get(t, "/jobs", "Sec-Fetch-Mode", "navigate")
	if body != "live:/jobs" || resp.Header.Get(proxy.HeaderSource) != "cache" {
		t.Fatalf("expected cached /jobs after restart, got %d %s", resp.StatusCode, body)
	}
	resp, body = restarted.get(t, "/static/icon-192.png")
	if body != portalPages["/static/icon-192.png"] || resp.Header.Get(proxy.HeaderSource) != "cache" {
		t.Fatalf("expected precached icon after restart, got %d %s", resp.StatusCode, body)
	}
	resp, body = restarted.get(t, "/applications", "Sec-Fetch-Mode", "navigate")
	if body != portalPages["/"] || resp.Header.Get(proxy.HeaderSource) != "fallback" {
		t.Fatalf("expected shell fallback after restart, got %d %s", resp.StatusCode, body)
	}
}

package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/config"
	"github.com/melplay/melplay-shell/internal/host"
	"github.com/melplay/melplay-shell/internal/logging"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/scope"
	"github.com/melplay/melplay-shell/internal/server"
)

// bootApp 以给定存储与上游启动一套完整的容器与 Fiber 应用。
func bootApp(t *testing.T, storage cache.Storage, upstream string) (*fiber.App, *host.Container, error) {
	t.Helper()
	client, err := network.NewClient(&config.Config{Global: config.GlobalConfig{
		Origin:   testOrigin,
		Upstream: upstream,
	}})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	logger := logging.Discard()
	container := host.NewContainer(storage, client, logger)
	_, regErr := container.Register(context.Background(), host.RegistrationOptions{
		Name:        "melplay",
		Scope:       scope.MustResolve(testOrigin + "/app/"),
		Generation:  "melplay-cache-v2",
		OfflineURLs: []string{"", "index.html"},
	})

	handler, err := NewHandler(container, testOrigin, logger)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Origin: testOrigin, Fetch: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	return app, container, regErr
}

func TestOfflineRestartResumesStoredGeneration(t *testing.T) {
	for _, driver := range []string{"fs", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "<html>v2</html>")
			}))

			storage, err := cache.Open(driver, dir)
			if err != nil {
				t.Fatalf("open storage: %v", err)
			}
			if _, _, err := bootApp(t, storage, upstream.URL); err != nil {
				t.Fatalf("first boot should install: %v", err)
			}
			if err := storage.Close(); err != nil {
				t.Fatalf("close storage: %v", err)
			}
			upstream.Close()

			storage, err = cache.Open(driver, dir)
			if err != nil {
				t.Fatalf("reopen storage: %v", err)
			}
			t.Cleanup(func() { _ = storage.Close() })

			app, container, err := bootApp(t, storage, upstream.URL)
			if err != nil {
				t.Fatalf("offline boot should resume stored generation: %v", err)
			}
			reg, _ := container.Registration("melplay")
			if reg.Active() == nil {
				t.Fatalf("resumed worker should be active")
			}

			req := httptest.NewRequest(http.MethodGet, testOrigin+"/app/settings", nil)
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != fiber.StatusOK || string(body) != "<html>v2</html>" {
				t.Fatalf("offline navigation should serve stored shell: %d %q", resp.StatusCode, body)
			}
		})
	}
}

func TestInterruptedUpstreamBodyIsNotCached(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/assets/big.js" {
			_, _ = io.WriteString(w, "<html>shell</html>")
			return
		}
		w.Header().Set("Content-Length", "64")
		_, _ = io.WriteString(w, "partial")
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	storage, err := cache.NewFileStorage(dir)
	if err != nil {
		t.Fatalf("storage init error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	app, _, err := bootApp(t, storage, upstream.URL)
	if err != nil {
		t.Fatalf("install error: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, testOrigin+"/app/assets/big.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("truncated body should count as network failure, got %d", resp.StatusCode)
	}

	gen, err := storage.Open(context.Background(), "melplay-cache-v2")
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("only the seeded entries should exist, got %v", keys)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*", ".cache-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", matches)
	}
}

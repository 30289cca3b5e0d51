package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/host"
	"github.com/melplay/melplay-shell/internal/logging"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/scope"
	"github.com/melplay/melplay-shell/internal/server"
)

const origin = "http://melplay.test"

func staticNetwork() network.Fetcher {
	return network.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/html"}},
			Body:       io.NopCloser(strings.NewReader("<html></html>")),
			Request:    req,
		}, nil
	})
}

func registration(generation string, hold bool) host.RegistrationOptions {
	return host.RegistrationOptions{
		Name:           "melplay",
		Scope:          scope.MustResolve(origin + "/app/"),
		Generation:     generation,
		OfflineURLs:    []string{"", "index.html"},
		HoldActivation: hold,
	}
}

func newDiagnosticsApp(t *testing.T) (*fiber.App, *host.Container) {
	t.Helper()
	container := host.NewContainer(cache.NewMemoryStorage(), staticNetwork(), logging.Discard())
	fetch := server.FetchHandlerFunc(func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusTeapot)
	})
	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Origin:     origin,
		Fetch:      fetch,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	RegisterDiagnosticsRoutes(app, container)
	return app, container
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestRegistrationsEndpoint(t *testing.T) {
	app, container := newDiagnosticsApp(t)
	if _, err := container.Register(context.Background(), registration("melplay-cache-v1", false)); err != nil {
		t.Fatalf("register error: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://other.example/-/registrations", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Registrations []host.RegistrationStatus `json:"registrations"`
	}
	decode(t, resp, &payload)
	if len(payload.Registrations) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(payload.Registrations))
	}
	reg := payload.Registrations[0]
	if reg.Name != "melplay" || reg.Active == nil || reg.Active.Generation != "melplay-cache-v1" {
		t.Fatalf("unexpected registration payload: %+v", reg)
	}
	if reg.Active.State != "activated" {
		t.Fatalf("expected activated state, got %s", reg.Active.State)
	}
}

func TestCachesEndpointMarksUsage(t *testing.T) {
	app, container := newDiagnosticsApp(t)
	ctx := context.Background()
	if _, err := container.Register(ctx, registration("melplay-cache-v1", false)); err != nil {
		t.Fatalf("register v1 error: %v", err)
	}
	if _, err := container.Register(ctx, registration("melplay-cache-v2", true)); err != nil {
		t.Fatalf("register v2 error: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, origin+"/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Caches []generationPayload `json:"caches"`
	}
	decode(t, resp, &payload)
	if len(payload.Caches) != 2 {
		t.Fatalf("expected 2 generations, got %+v", payload.Caches)
	}
	if payload.Caches[0].Name != "melplay-cache-v1" || len(payload.Caches[0].Active) != 1 {
		t.Fatalf("v1 should be active, got %+v", payload.Caches[0])
	}
	if payload.Caches[1].Name != "melplay-cache-v2" || len(payload.Caches[1].Waiting) != 1 {
		t.Fatalf("v2 should be waiting, got %+v", payload.Caches[1])
	}
}

func TestSkipWaitingEndpoint(t *testing.T) {
	app, container := newDiagnosticsApp(t)
	ctx := context.Background()

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, origin+"/-/registrations/melplay/skip-waiting", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown registration should return 404, got %d", resp.StatusCode)
	}

	if _, err := container.Register(ctx, registration("melplay-cache-v1", false)); err != nil {
		t.Fatalf("register v1 error: %v", err)
	}
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, origin+"/-/registrations/melplay/skip-waiting", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("nothing waiting should return 409, got %d", resp.StatusCode)
	}

	if _, err := container.Register(ctx, registration("melplay-cache-v2", true)); err != nil {
		t.Fatalf("register v2 error: %v", err)
	}
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, origin+"/-/registrations/melplay/skip-waiting", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	reg, _ := container.Registration("melplay")
	if reg.Active() == nil || reg.Active().Generation().Name() != "melplay-cache-v2" {
		t.Fatalf("v2 should be active after skip-waiting")
	}
	keys, err := container.Storage().Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "melplay-cache-v2" {
		t.Fatalf("v1 should be pruned after activation, got %v", keys)
	}
}

func TestSkipWaitingRejectsForeignHost(t *testing.T) {
	app, container := newDiagnosticsApp(t)
	ctx := context.Background()
	if _, err := container.Register(ctx, registration("melplay-cache-v1", false)); err != nil {
		t.Fatalf("register v1 error: %v", err)
	}
	if _, err := container.Register(ctx, registration("melplay-cache-v2", true)); err != nil {
		t.Fatalf("register v2 error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "http://other.example/-/registrations/melplay/skip-waiting", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("foreign host should be rejected, got %d", resp.StatusCode)
	}
	reg, _ := container.Registration("melplay")
	if reg.Waiting() == nil || reg.Active().Generation().Name() != "melplay-cache-v1" {
		t.Fatalf("rejected signal must not activate the waiting worker")
	}
}

func TestEncodeGenerationsEmpty(t *testing.T) {
	if got := encodeGenerations(nil, nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/melplay/melplay-shell/internal/classify"
	"github.com/melplay/melplay-shell/internal/host"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/worker"
)

type stubDispatcher struct {
	got *http.Request
	err error
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req *http.Request) (*http.Response, worker.Outcome, error) {
	s.got = req
	outcome := worker.Outcome{Disposition: classify.Asset, Source: worker.SourceNetwork}
	return nil, outcome, s.err
}

func (s *stubDispatcher) Controller(*http.Request) *host.Registration { return nil }

func TestBuildRequestUsesNormalizedPublicOrigin(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/app/assets/app.js?v=3")
	ctx.Request().Header.SetMethod(fiber.MethodGet)
	ctx.Request().Header.SetHost("127.0.0.1:5000")
	ctx.Request().Header.Set("Sec-Fetch-Mode", "no-cors")

	h, err := NewHandler(&stubDispatcher{}, "http://Melplay.Test:80", nil)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	req, err := h.buildRequest(context.Background(), ctx)
	if err != nil {
		t.Fatalf("buildRequest error: %v", err)
	}
	if req.URL.String() != "http://melplay.test/app/assets/app.js?v=3" {
		t.Fatalf("unexpected request URL %s", req.URL)
	}
	if req.Host != "melplay.test" {
		t.Fatalf("host should be the public origin, got %s", req.Host)
	}
	if req.Header.Get("Sec-Fetch-Mode") != "no-cors" {
		t.Fatalf("request headers should be carried over")
	}
}

func TestHandleLogsNetworkFailure(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/app/assets/app.js")
	ctx.Request().Header.SetMethod(fiber.MethodGet)

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	dispatcher := &stubDispatcher{err: &network.Error{URL: "http://localhost:5000/app/assets/app.js", Err: errors.New("connection refused")}}
	h, err := NewHandler(dispatcher, "http://localhost:5000", logger)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	if err := h.Handle(ctx); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if dispatcher.got == nil {
		t.Fatalf("dispatcher should receive the request")
	}
	logs := logBuf.String()
	if !strings.Contains(logs, "fetch_failed") || !strings.Contains(logs, `"network_failure":true`) {
		t.Fatalf("expected fetch_failed log with network_failure flag, got %s", logs)
	}
	if !strings.Contains(logs, `"disposition":"asset"`) {
		t.Fatalf("expected disposition field, got %s", logs)
	}
}

// Package proxy bridges the Fiber front to the worker host: every accepted
// request becomes a fetch event, and the resulting response (from the network
// or from a cache generation) is streamed back to the client.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/melplay/melplay-shell/internal/host"
	"github.com/melplay/melplay-shell/internal/logging"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/scope"
	"github.com/melplay/melplay-shell/internal/server"
	"github.com/melplay/melplay-shell/internal/worker"
)

// Dispatcher 是 fetch 事件的接收方，生产环境中为 *host.Container。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *http.Request) (*http.Response, worker.Outcome, error)
	Controller(req *http.Request) *host.Registration
}

// Handler 把 Fiber 请求转换为 *http.Request 交给 Dispatcher，再把响应写回客户端。
type Handler struct {
	dispatcher Dispatcher
	origin     *url.URL
	logger     *logrus.Logger
}

// NewHandler constructs a fetch bridge for the given public origin.
func NewHandler(dispatcher Dispatcher, origin string, logger *logrus.Logger) (*Handler, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	raw, err := url.Parse(origin)
	if err != nil || raw.Host == "" {
		return nil, fmt.Errorf("invalid origin: %q", origin)
	}
	// 与 scope 使用同一 origin 形式，缓存 key 才能与安装时写入的一致。
	u, err := url.Parse(scope.OriginOf(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %q", origin)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{dispatcher: dispatcher, origin: u, logger: logger}, nil
}

// Handle 执行一次 fetch 事件；网络失败映射为 502 network_failed。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(ctx, c)
	if err != nil {
		h.logResult(nil, c.Method(), c.OriginalURL(), requestID, worker.Outcome{}, 0, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	resp, outcome, err := h.dispatcher.Dispatch(ctx, req)
	registration := h.registrationName(req)
	c.Set("X-Melplay-Disposition", outcome.Disposition.String())
	if err != nil {
		h.logResult(&registration, req.Method, req.URL.String(), requestID, outcome, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Melplay-Source", string(outcome.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(&registration, req.Method, req.URL.String(), requestID, outcome, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(&registration, req.Method, req.URL.String(), requestID, outcome, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 以公开 origin 重建请求 URL，保证缓存 key 与浏览器看到的地址一致。
func (h *Handler) buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	target, err := url.Parse(h.origin.Scheme + "://" + h.origin.Host + c.OriginalURL())
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Host = h.origin.Host
	return req, nil
}

func (h *Handler) registrationName(req *http.Request) string {
	if reg := h.dispatcher.Controller(req); reg != nil {
		return reg.Name()
	}
	return ""
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	registration *string,
	method string,
	rawURL string,
	requestID string,
	outcome worker.Outcome,
	status int,
	started time.Time,
	err error,
) {
	name := ""
	if registration != nil {
		name = *registration
	}
	fields := logging.FetchFields(name, method, rawURL, outcome.Disposition.String(), string(outcome.Source))
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["network_failure"] = network.IsFailure(err)
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 逐值追加，保留 Set-Cookie 等多值头；长度由 fasthttp 根据正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

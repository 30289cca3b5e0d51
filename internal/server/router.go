package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FetchHandler describes the component that turns an incoming request into a
// fetch event. It allows injecting fake handlers during tests.
type FetchHandler interface {
	Handle(fiber.Ctx) error
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(fiber.Ctx) error

// Handle makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Origin     string
	Fetch      FetchHandler
	ListenPort int
}

const contextKeyRequestID = "_melplay_request_id"

// NewApp builds a Fiber application that accepts requests for the public
// origin only and hands them to the fetch handler. Paths under /-/ are left
// to the diagnostics routes registered afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin: %q", opts.Origin)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		// 非 GET 请求原样转发，正文大小交给上游判断。
		BodyLimit: 32 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger, origin))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Fetch.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并拒绝 Host 与公开 origin 不一致的请求，
// 避免把任意 Host 的流量转发给上游或触发控制接口。
func requestContextMiddleware(logger *logrus.Logger, origin *url.URL) fiber.Handler {
	originHost := normalizeHost(origin.Host, origin.Scheme)
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		// 只读诊断接口不校验 Host；会改变状态的控制接口仍需公开 origin。
		if isDiagnosticsPath(string(c.Request().URI().Path())) && isReadOnlyMethod(c.Method()) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		if rawHost == "" || normalizeHost(rawHost, origin.Scheme) != originHost {
			return renderHostUnmapped(c, logger, rawHost)
		}
		return c.Next()
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string) error {
	logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Melplay-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// normalizeHost 小写并去掉与 scheme 对应的默认端口。
func normalizeHost(host, scheme string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

func isReadOnlyMethod(method string) bool {
	return method == fiber.MethodGet || method == fiber.MethodHead
}

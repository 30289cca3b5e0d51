// Package network is the "network" as seen by the worker: it forwards requests
// addressed to the public origin to the configured upstream server and returns
// the upstream response untouched apart from hop-by-hop headers.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/melplay/melplay-shell/internal/config"
	"github.com/melplay/melplay-shell/internal/scope"
)

// Fetcher 执行一次网络请求。HTTP 错误状态码属于成功返回，只有传输层错误才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Error 描述一次网络失败（连接拒绝、超时、DNS 等）。
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFailure 判断 err 是否为网络失败。
func IsFailure(err error) bool {
	var netErr *Error
	return errors.As(err, &netErr)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 把公开 origin 映射到上游 origin；其他 origin 的请求原样发出。
type Client struct {
	http     *http.Client
	origin   string
	upstream *url.URL
}

// NewClient 基于全局配置构建上游客户端，超时取 UpstreamTimeout。
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	upstream, err := url.Parse(cfg.Global.Upstream)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Global.Upstream)
	}
	origin := ""
	if cfg.Global.Origin != "" {
		u, err := url.Parse(cfg.Global.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", cfg.Global.Origin, err)
		}
		origin = scope.OriginOf(u)
	}

	timeout := 30 * time.Second
	if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin:   origin,
		upstream: upstream,
	}, nil
}

// Fetch 发出请求。返回的 *http.Response 的 Request 字段指向调用方的原始请求，
// 因此响应 URL 仍是公开地址。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	outbound, err := c.outbound(ctx, req)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}

	resp, err := c.http.Do(outbound)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	if loc := header.Get("Location"); loc != "" {
		header.Set("Location", c.publicLocation(loc))
	}
	resp.Header = header
	resp.Request = req
	return resp, nil
}

func (c *Client) outbound(ctx context.Context, req *http.Request) (*http.Request, error) {
	target := *req.URL
	mapped := c.origin != "" && scope.OriginOf(req.URL) == c.origin
	if mapped {
		target.Scheme = c.upstream.Scheme
		target.Host = c.upstream.Host
		if base := strings.TrimSuffix(c.upstream.Path, "/"); base != "" {
			target.Path = base + req.URL.Path
			target.RawPath = ""
		}
	}
	target.Fragment = ""
	target.RawFragment = ""

	outbound, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	outbound.ContentLength = req.ContentLength
	CopyHeaders(outbound.Header, req.Header)
	// 交给 Transport 自行协商压缩，缓存中只保存解压后的正文。
	outbound.Header.Del("Accept-Encoding")

	if mapped {
		publicHost := req.URL.Host
		if req.Host != "" {
			publicHost = req.Host
		}
		outbound.Header.Set("X-Forwarded-Host", publicHost)
		outbound.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
		outbound.Host = c.upstream.Host
	}
	return outbound, nil
}

// publicLocation 把指向上游的重定向地址改写回公开 origin。
func (c *Client) publicLocation(loc string) string {
	if c.origin == "" {
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return loc
	}
	if scope.OriginOf(u) != scope.OriginOf(c.upstream) {
		return loc
	}
	public, err := url.Parse(c.origin)
	if err != nil {
		return loc
	}
	u.Scheme = public.Scheme
	u.Host = public.Host
	if base := strings.TrimSuffix(c.upstream.Path, "/"); base != "" {
		u.Path = strings.TrimPrefix(u.Path, base)
		if u.Path == "" {
			u.Path = "/"
		}
		u.RawPath = ""
	}
	return u.String()
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

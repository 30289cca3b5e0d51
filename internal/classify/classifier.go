// Package classify decides, for every intercepted request, whether the worker
// ignores it, lets it bypass to the network, or answers it with the
// navigation or asset strategy.
package classify

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/melplay/melplay-shell/internal/scope"
)

// Disposition 是分类结果。
type Disposition int

const (
	// Ignore 表示 worker 不介入：非 GET 或跨源请求。
	Ignore Disposition = iota
	// Bypass 表示认证相关路径，必须直连网络且不读写缓存。
	Bypass
	// Navigation 表示整页加载，走网络优先 + 离线 shell 回退。
	Navigation
	// Asset 表示其余同源 GET，走缓存优先 + 网络回填。
	Asset
)

func (d Disposition) String() string {
	switch d {
	case Ignore:
		return "ignore"
	case Bypass:
		return "bypass"
	case Navigation:
		return "navigation"
	case Asset:
		return "asset"
	default:
		return "unknown"
	}
}

// Intercepts 表示该分类是否由 worker 生成响应。
func (d Disposition) Intercepts() bool {
	return d == Navigation || d == Asset
}

// Request 是分类所需的最小请求视图。
type Request struct {
	Method   string
	URL      *url.URL
	Navigate bool
}

// FromHTTP 从 *http.Request 提取分类输入，浏览器整页加载会带 Sec-Fetch-Mode: navigate。
func FromHTTP(req *http.Request) Request {
	return Request{
		Method:   req.Method,
		URL:      req.URL,
		Navigate: strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate"),
	}
}

// Classifier 持有解析后的 scope 与绕行前缀，创建后只读，可并发使用。
type Classifier struct {
	scope    scope.Scope
	prefixes []string
}

// New 基于 scope 与绕行片段（如 "__/auth"）构建分类器。
func New(s scope.Scope, bypassFragments []string) *Classifier {
	return &Classifier{
		scope:    s,
		prefixes: s.BypassPrefixes(bypassFragments),
	}
}

// Prefixes 返回生效的绕行前缀，供诊断输出。
func (c *Classifier) Prefixes() []string {
	return append([]string(nil), c.prefixes...)
}

// Classify 按顺序判定：非 GET → 跨源 → 绕行 → 导航 → 资源。
// 绕行判定先于任何缓存或导航处理。
func (c *Classifier) Classify(req Request) Disposition {
	if req.Method != http.MethodGet {
		return Ignore
	}
	if req.URL == nil || !c.scope.SameOrigin(req.URL) {
		return Ignore
	}
	if c.bypassed(req.URL.Path) {
		return Bypass
	}
	if req.Navigate {
		return Navigation
	}
	return Asset
}

func (c *Classifier) bypassed(p string) bool {
	if p == "" {
		p = "/"
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Package scope resolves a worker registration scope once and derives the
// scope-relative URLs and bypass prefixes the rest of the worker uses.
package scope

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scope 是注册 scope 解析后的不可变结果：origin 与以 / 结尾的路径前缀。
type Scope struct {
	origin string
	path   string
}

// Resolve 解析注册时的 scope URL，路径统一补齐末尾斜杠。
func Resolve(raw string) (Scope, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Scope{}, fmt.Errorf("parse scope: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return Scope{}, errors.New("scope must be an absolute URL")
	}

	p := parsed.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}

	return Scope{
		origin: OriginOf(parsed),
		path:   p,
	}, nil
}

// MustResolve 在解析失败时 panic，仅用于测试与常量 scope。
func MustResolve(raw string) Scope {
	s, err := Resolve(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Origin 返回 scheme://host[:port]，默认端口已省略。
func (s Scope) Origin() string {
	return s.origin
}

// Path 返回以 / 结尾的 scope 路径。
func (s Scope) Path() string {
	return s.path
}

// String 返回 scope 根的绝对 URL。
func (s Scope) String() string {
	return s.origin + s.path
}

// URL 将 scope 相对路径拼接为绝对 URL，空字符串即 scope 根。
func (s Scope) URL(rel string) string {
	return s.origin + s.path + strings.TrimPrefix(rel, "/")
}

// URLs 批量解析离线清单。
func (s Scope) URLs(rels []string) []string {
	out := make([]string, len(rels))
	for i, rel := range rels {
		out[i] = s.URL(rel)
	}
	return out
}

// SameOrigin 判断 u 是否与 scope 同源。
func (s Scope) SameOrigin(u *url.URL) bool {
	return u != nil && OriginOf(u) == s.origin
}

// Contains 判断 u 是否同源且落在 scope 路径之下；不带末尾斜杠的 scope 根也算在内。
func (s Scope) Contains(u *url.URL) bool {
	if !s.SameOrigin(u) {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return strings.HasPrefix(p, s.path) || p+"/" == s.path
}

// BypassPrefixes 生成 scope 限定与根限定两种形式的绕行前缀。
// 根 scope 下两种形式相同，只保留一份。
func (s Scope) BypassPrefixes(fragments []string) []string {
	out := make([]string, 0, len(fragments)*2)
	for _, fragment := range fragments {
		fragment = strings.TrimLeft(strings.TrimSpace(fragment), "/")
		if fragment == "" {
			continue
		}
		out = append(out, s.path+fragment)
		if s.path != "/" {
			out = append(out, "/"+fragment)
		}
	}
	return out
}

// OriginOf 返回 URL 的 origin，scheme/host 统一小写并去掉默认端口。
func OriginOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/melplay/melplay-shell/internal/scope"
)

// Response 是可重复读取的响应快照。响应体只能读取一次，
// 因此网络响应必须先复制为快照，再分别交给调用方与缓存。
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Snapshot 读尽并关闭 resp.Body，返回独立的快照。
// 读取正文失败视为网络失败，由调用方处理。
func Snapshot(resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	snap := &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		snap.URL = resp.Request.URL.String()
	}
	return snap, nil
}

// Clone 返回深拷贝，调用方与存储端各持一份互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		URL:      r.URL,
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
}

// HTTP 将快照物化为新的 *http.Response，每次调用都有独立的 Body。
func (r *Response) HTTP(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Key 返回缓存 key：去掉片段的绝对 URL，查询串保留；
// origin 统一为小写并去掉默认端口，与 scope 生成的清单 URL 保持一致。
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	if clean.Host != "" {
		clean.Scheme = strings.ToLower(clean.Scheme)
		clean.Host = strings.TrimPrefix(scope.OriginOf(u), clean.Scheme+"://")
	}
	return clean.String()
}

// KeyString 解析字符串形式的 URL 后计算 key，解析失败时原样返回。
func KeyString(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return Key(u)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

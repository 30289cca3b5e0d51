package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/scope"
)

var errOffline = errors.New("dial tcp: connection refused")

type stubResource struct {
	status int
	body   string
}

// stubNetwork 是可切换离线状态的假上游，记录每个 URL 的请求次数。
type stubNetwork struct {
	mu        sync.Mutex
	resources map[string]stubResource
	offline   bool
	calls     map[string]int
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{
		resources: make(map[string]stubResource),
		calls:     make(map[string]int),
	}
}

func (n *stubNetwork) set(url string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resources[url] = stubResource{status: status, body: body}
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *stubNetwork) callCount(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *stubNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *stubNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := cache.Key(req.URL)
	n.calls[key]++
	if n.offline {
		return nil, &network.Error{URL: key, Err: errOffline}
	}
	res, ok := n.resources[key]
	if !ok {
		res = stubResource{status: http.StatusNotFound, body: "not found"}
	}
	return &http.Response{
		StatusCode: res.status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(res.body)),
		Request:    req,
	}, nil
}

// failingStorage 包装真实存储，让所有单条 Put 失败，用于验证写缓存失败不影响响应。
type failingStorage struct {
	cache.Storage
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingCache{Cache: c}, nil
}

type failingCache struct {
	cache.Cache
}

func (failingCache) Put(context.Context, string, *cache.Response) error {
	return errors.New("disk full")
}

const testOrigin = "http://localhost:5000"

func appScope() scope.Scope {
	return scope.MustResolve(testOrigin + "/app/")
}

func newTestWorker(t *testing.T, storage cache.Storage, net network.Fetcher, generation string, manifest []string) *Worker {
	t.Helper()
	w, err := New(Options{
		Registration:   "melplay",
		Scope:          appScope(),
		Generation:     generation,
		OfflineURLs:    manifest,
		BypassPrefixes: []string{"__/auth", "__/firebase", "firebase-auth-sw.js"},
		Storage:        storage,
		Fetcher:        net,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

// activeWorker 完成安装与激活，返回可处理 fetch 的 worker。
func activeWorker(t *testing.T, storage cache.Storage, net network.Fetcher, generation string, manifest []string) *Worker {
	t.Helper()
	ctx := context.Background()
	w := newTestWorker(t, storage, net, generation, manifest)
	if _, err := w.Install(ctx).Await(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := w.Activate(ctx).Await(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func getRequest(url string, navigate bool) *http.Request {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	return req
}

func fetchOutcome(t *testing.T, w *Worker, req *http.Request) (Outcome, error) {
	t.Helper()
	return w.HandleFetch(context.Background(), req).Await(context.Background())
}

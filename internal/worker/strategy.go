package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/network"
)

// Source 标记响应来自网络还是缓存。
type Source string

const (
	SourceNone    Source = ""
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result 是策略执行结果。Response 为独立快照，调用方可随意读取。
type Result struct {
	Response *cache.Response
	Source   Source
}

// Engine 执行导航（网络优先 + 离线 shell）与资源（缓存优先 + 网络回填）两种策略。
// 所有缓存读写都限定在当前代际。
type Engine struct {
	gen      *Generation
	fetcher  network.Fetcher
	shellKey string
	logger   *logrus.Entry
}

func newEngine(gen *Generation, fetcher network.Fetcher, logger *logrus.Entry) *Engine {
	return &Engine{
		gen:      gen,
		fetcher:  fetcher,
		shellKey: cache.KeyString(gen.scope.URL("index.html")),
		logger:   logger,
	}
}

// Navigate 先走网络；成功时原样返回且不写缓存，网络失败时返回当前代际中的 index.html。
func (e *Engine) Navigate(ctx context.Context, req *http.Request) (Result, error) {
	snap, err := e.fetch(ctx, req)
	if err == nil {
		return Result{Response: snap, Source: SourceNetwork}, nil
	}

	if shell, ok := e.lookup(ctx, e.shellKey); ok {
		e.logger.WithError(err).WithField("url", req.URL.String()).Info("navigation_offline_shell")
		return Result{Response: shell, Source: SourceCache}, nil
	}
	return Result{}, err
}

// Asset 命中当前代际时直接返回且不访问网络；未命中时抓取网络，
// 响应拆成两份，一份返回调用方，一份写入缓存。
func (e *Engine) Asset(ctx context.Context, req *http.Request) (Result, error) {
	key := cache.Key(req.URL)
	if hit, ok := e.lookup(ctx, key); ok {
		return Result{Response: hit, Source: SourceCache}, nil
	}

	snap, err := e.fetch(ctx, req)
	if err != nil {
		// 并发事件可能已回填该条目。
		if hit, ok := e.lookup(ctx, key); ok {
			return Result{Response: hit, Source: SourceCache}, nil
		}
		return Result{}, err
	}

	if Cacheable(snap.Status) {
		e.store(ctx, key, snap.Clone())
	}
	return Result{Response: snap, Source: SourceNetwork}, nil
}

// Cacheable 判断状态码是否允许写入缓存：2xx 且不是 206 部分响应。
func Cacheable(status int) bool {
	return status >= 200 && status <= 299 && status != http.StatusPartialContent
}

func (e *Engine) fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	snap, err := cache.Snapshot(resp)
	if err != nil {
		return nil, &network.Error{URL: req.URL.String(), Err: err}
	}
	if snap.URL == "" {
		snap.URL = cache.Key(req.URL)
	}
	return snap, nil
}

func (e *Engine) lookup(ctx context.Context, key string) (*cache.Response, bool) {
	c := e.gen.Cache()
	if c == nil {
		return nil, false
	}
	hit, err := c.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithError(err).WithField("key", key).Warn("cache_read_failed")
		}
		return nil, false
	}
	return hit, true
}

// store 写缓存失败只记录日志，不影响返回给调用方的响应。
func (e *Engine) store(ctx context.Context, key string, resp *cache.Response) {
	c := e.gen.Cache()
	if c == nil {
		return
	}
	if err := c.Put(context.WithoutCancel(ctx), key, resp); err != nil {
		e.logger.WithError(err).WithField("key", key).Warn("cache_write_failed")
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/scope"
)

// ErrSeedStatus 表示离线清单中的某个 URL 返回了非 2xx 状态。
var ErrSeedStatus = errors.New("offline manifest entry returned non-2xx status")

// maxSeedConcurrency 限制安装阶段同时发起的上游请求数。
const maxSeedConcurrency = 4

// Generation 管理某个 worker 的当前缓存代际：安装时预热，激活时清理其他代际。
type Generation struct {
	name     string
	scope    scope.Scope
	manifest []string
	storage  cache.Storage
	fetcher  network.Fetcher
	keep     func(string) bool
	logger   *logrus.Entry

	mu    sync.RWMutex
	cache cache.Cache
}

// Name 返回代际标识。
func (g *Generation) Name() string {
	return g.name
}

// ManifestURLs 返回离线清单的绝对 URL，顺序与配置一致。
func (g *Generation) ManifestURLs() []string {
	return g.scope.URLs(g.manifest)
}

// Cache 返回已打开的代际句柄，安装完成前为 nil。
func (g *Generation) Cache() cache.Cache {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cache
}

func (g *Generation) setCache(c cache.Cache) {
	g.mu.Lock()
	g.cache = c
	g.mu.Unlock()
}

// Seed 并发抓取离线清单并一次性写入当前代际。任一 URL 失败或返回非 2xx 时
// 整体失败，不提交任何条目；若代际是本次新建的，会被重新删除。
func (g *Generation) Seed(ctx context.Context) error {
	existed, err := g.storage.Has(ctx, g.name)
	if err != nil {
		return fmt.Errorf("check generation %s: %w", g.name, err)
	}
	c, err := g.storage.Open(ctx, g.name)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", g.name, err)
	}

	entries, err := g.fetchManifest(ctx)
	if err == nil {
		err = c.PutAll(ctx, entries)
	}
	if err != nil {
		if !existed {
			if _, delErr := g.storage.Delete(context.WithoutCancel(ctx), g.name); delErr != nil {
				g.logger.WithError(delErr).Warn("seed_cleanup_failed")
			}
		}
		return fmt.Errorf("seed %s: %w", g.name, err)
	}

	g.setCache(c)
	return nil
}

func (g *Generation) fetchManifest(ctx context.Context) ([]cache.Entry, error) {
	urls := g.ManifestURLs()
	entries := make([]cache.Entry, len(urls))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxSeedConcurrency)
	for i, rawURL := range urls {
		group.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return err
			}
			resp, err := g.fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			snap, err := cache.Snapshot(resp)
			if err != nil {
				return &network.Error{URL: rawURL, Err: err}
			}
			if snap.Status < 200 || snap.Status > 299 {
				return fmt.Errorf("%w: %s -> %d", ErrSeedStatus, rawURL, snap.Status)
			}
			entries[i] = cache.Entry{Key: cache.KeyString(rawURL), Response: snap}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Complete 判断离线清单中的每个 URL 是否都已存在于当前代际，不访问网络。
// 结果为 true 时顺带打开代际句柄。
func (g *Generation) Complete(ctx context.Context) (bool, error) {
	has, err := g.storage.Has(ctx, g.name)
	if err != nil || !has {
		return false, err
	}
	c, err := g.storage.Open(ctx, g.name)
	if err != nil {
		return false, err
	}
	for _, rawURL := range g.ManifestURLs() {
		if _, err := c.Match(ctx, cache.KeyString(rawURL)); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	g.setCache(c)
	return true, nil
}

// PruneOthers 删除除当前代际（以及 keep 保护的代际）以外的全部代际，可重复执行。
func (g *Generation) PruneOthers(ctx context.Context) ([]string, error) {
	names, err := g.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if name == g.name || (g.keep != nil && g.keep(name)) {
			continue
		}
		ok, err := g.storage.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}

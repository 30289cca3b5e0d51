// Package host is the runtime that owns worker registrations: it installs and
// activates new versions (newest wins), routes fetch events to the worker that
// controls a request, and keeps every pending completion alive until it has
// settled.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/classify"
	"github.com/melplay/melplay-shell/internal/logging"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/worker"
)

const tracerName = "github.com/melplay/melplay-shell/internal/host"

var (
	// ErrRegistrationNotFound 表示指定名称的注册不存在。
	ErrRegistrationNotFound = errors.New("registration not found")
	// ErrNothingWaiting 表示注册下没有等待激活的 worker。
	ErrNothingWaiting = errors.New("no waiting worker")
)

// Container 持有全部注册，是 fetch 事件的入口。
type Container struct {
	storage cache.Storage
	fetcher network.Fetcher
	logger  *logrus.Logger
	tracer  trace.Tracer

	mu            sync.RWMutex
	registrations map[string]*Registration

	tokenMu sync.Mutex
	pending map[worker.Token]struct{}
}

// NewContainer 构建空容器。logger 为 nil 时丢弃日志。
func NewContainer(storage cache.Storage, fetcher network.Fetcher, logger *logrus.Logger) *Container {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Container{
		storage:       storage,
		fetcher:       fetcher,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		registrations: make(map[string]*Registration),
		pending:       make(map[worker.Token]struct{}),
	}
}

// Storage 返回共享的缓存存储，供诊断接口列出代际。
func (c *Container) Storage() cache.Storage {
	return c.storage
}

// Register 安装新版本 worker。安装失败时保留原活跃 worker；
// 没有活跃 worker 时尝试以存储中已完整的代际恢复。
func (c *Container) Register(ctx context.Context, opts RegistrationOptions) (*Registration, error) {
	reg, err := c.registrationFor(opts)
	if err != nil {
		return nil, err
	}
	reg.update.Lock()
	defer reg.update.Unlock()

	w, err := c.newWorker(opts)
	if err != nil {
		return nil, err
	}
	reg.setInstalling(w)

	installErr := c.install(ctx, w, false)
	if installErr != nil {
		if reg.Active() != nil {
			reg.recordError(installErr)
			return reg, fmt.Errorf("install %s: %w", opts.Name, installErr)
		}

		resumed, resumeErr := c.resume(ctx, reg, opts)
		if resumeErr != nil {
			reg.recordError(installErr)
			return reg, fmt.Errorf("install %s: %w", opts.Name, errors.Join(installErr, resumeErr))
		}
		w = resumed
	}

	reg.promoteWaiting(w)
	if opts.HoldActivation && reg.Active() != nil && !w.SkipWaitingRequested() {
		c.logger.WithFields(logging.EventFields("waiting", opts.Name, opts.Generation, w.ID())).
			Info("worker_waiting")
		return reg, nil
	}
	if err := c.activate(ctx, reg, w); err != nil {
		return reg, err
	}
	return reg, nil
}

func (c *Container) resume(ctx context.Context, reg *Registration, opts RegistrationOptions) (*worker.Worker, error) {
	w, err := c.newWorker(opts)
	if err != nil {
		return nil, err
	}
	reg.setInstalling(w)
	if err := c.install(ctx, w, true); err != nil {
		return nil, err
	}
	return w, nil
}

func (c *Container) newWorker(opts RegistrationOptions) (*worker.Worker, error) {
	return worker.New(worker.Options{
		Registration:   opts.Name,
		Scope:          opts.Scope,
		Generation:     opts.Generation,
		OfflineURLs:    opts.OfflineURLs,
		BypassPrefixes: opts.BypassPrefixes,
		Storage:        c.storage,
		Fetcher:        c.fetcher,
		Logger:         c.logger,
		Keep:           c.keepFor(opts.Name),
	})
}

func (c *Container) registrationFor(opts RegistrationOptions) (*Registration, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("registration name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.registrations[opts.Name]; ok {
		if reg.scope.String() != opts.Scope.String() {
			return nil, fmt.Errorf("registration %s already bound to scope %s", opts.Name, reg.scope)
		}
		return reg, nil
	}
	reg := &Registration{name: opts.Name, scope: opts.Scope}
	c.registrations[opts.Name] = reg
	return reg, nil
}

// keepFor 保护其他注册正在使用的代际，使激活清理只影响本注册的旧代际。
func (c *Container) keepFor(name string) func(string) bool {
	return func(generation string) bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		for regName, reg := range c.registrations {
			if regName == name {
				continue
			}
			for _, g := range reg.generations() {
				if g == generation {
					return true
				}
			}
		}
		return false
	}
}

func (c *Container) install(ctx context.Context, w *worker.Worker, resume bool) error {
	ctx, span := c.tracer.Start(ctx, "worker.install", trace.WithAttributes(
		attribute.String("worker.id", w.ID()),
		attribute.String("worker.generation", w.Generation().Name()),
		attribute.Bool("worker.resume", resume),
	))
	defer span.End()

	var token *worker.Completion[struct{}]
	if resume {
		token = w.Resume(ctx)
	} else {
		token = w.Install(ctx)
	}
	c.hold(token)
	_, err := token.Await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Container) activate(ctx context.Context, reg *Registration, w *worker.Worker) error {
	ctx, span := c.tracer.Start(ctx, "worker.activate", trace.WithAttributes(
		attribute.String("worker.id", w.ID()),
		attribute.String("worker.generation", w.Generation().Name()),
	))
	defer span.End()

	token := w.Activate(ctx)
	c.hold(token)
	pruned, err := token.Await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("activate %s: %w", reg.name, err)
	}
	span.SetAttributes(attribute.StringSlice("worker.pruned", pruned))
	reg.promoteActive(w)
	return nil
}

// SkipWaiting 向等待中的 worker 发送 skip-waiting 信号并立即激活。
func (c *Container) SkipWaiting(ctx context.Context, name string) error {
	reg, ok := c.Registration(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegistrationNotFound, name)
	}
	reg.update.Lock()
	defer reg.update.Unlock()

	w := reg.Waiting()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrNothingWaiting, name)
	}
	w.SkipWaiting()
	return c.activate(ctx, reg, w)
}

// Registration 按名称查找注册。
func (c *Container) Registration(name string) (*Registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.registrations[name]
	return reg, ok
}

// Controller 返回控制该请求的注册：优先匹配 scope 最长的注册；
// 非导航请求再按 Referer 所在页面的注册匹配。
func (c *Container) Controller(req *http.Request) *Registration {
	if reg := c.match(req.URL); reg != nil {
		return reg
	}
	if classify.FromHTTP(req).Navigate {
		return nil
	}
	referer := req.Header.Get("Referer")
	if referer == "" {
		return nil
	}
	u, err := url.Parse(referer)
	if err != nil {
		return nil
	}
	return c.match(u)
}

func (c *Container) match(u *url.URL) *Registration {
	if u == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *Registration
	for _, reg := range c.registrations {
		if !reg.scope.Contains(u) {
			continue
		}
		if best == nil || len(reg.scope.Path()) > len(best.scope.Path()) {
			best = reg
		}
	}
	return best
}

// Dispatch 把请求作为 fetch 事件交给控制它的活跃 worker。
// 没有控制者或 worker 不生成响应时，按默认行为直接访问网络。
func (c *Container) Dispatch(ctx context.Context, req *http.Request) (*http.Response, worker.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	))
	defer span.End()

	outcome := worker.Outcome{Disposition: classify.Ignore}
	if reg := c.Controller(req); reg != nil {
		span.SetAttributes(attribute.String("worker.registration", reg.name))
		if w := reg.Active(); w != nil {
			token := w.HandleFetch(ctx, req)
			c.hold(token)
			out, err := token.Await(ctx)
			outcome = out
			span.SetAttributes(attribute.String("worker.disposition", out.Disposition.String()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, outcome, err
			}
			if out.Response != nil {
				span.SetAttributes(attribute.String("worker.source", string(out.Source)))
				return out.Response.HTTP(req), outcome, nil
			}
		}
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	outcome.Source = worker.SourceNetwork
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, outcome, err
	}
	span.SetAttributes(attribute.String("worker.source", string(outcome.Source)))
	return resp, outcome, nil
}

// Snapshot 返回按名称排序的注册状态。
func (c *Container) Snapshot() []RegistrationStatus {
	c.mu.RLock()
	regs := make([]*Registration, 0, len(c.registrations))
	for _, reg := range c.registrations {
		regs = append(regs, reg)
	}
	c.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].name < regs[j].name })
	out := make([]RegistrationStatus, len(regs))
	for i, reg := range regs {
		out[i] = reg.status()
	}
	return out
}

func (c *Container) hold(token worker.Token) {
	c.tokenMu.Lock()
	c.pending[token] = struct{}{}
	c.tokenMu.Unlock()
	go func() {
		<-token.Done()
		c.release(token)
	}()
}

func (c *Container) release(token worker.Token) {
	c.tokenMu.Lock()
	delete(c.pending, token)
	c.tokenMu.Unlock()
}

// Pending 返回尚未完成的事件数。
func (c *Container) Pending() int {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return len(c.pending)
}

// Shutdown 等待所有未决事件完成，ctx 到期时返回 ctx.Err()。
func (c *Container) Shutdown(ctx context.Context) error {
	for {
		c.tokenMu.Lock()
		var next worker.Token
		for token := range c.pending {
			next = token
			break
		}
		c.tokenMu.Unlock()
		if next == nil {
			return nil
		}

		select {
		case <-next.Done():
			c.release(next)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

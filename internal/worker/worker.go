// Package worker implements the offline worker of one registration: its cache
// generation, the fetch strategies, and the install/activate lifecycle. Every
// lifecycle and fetch event returns a Completion so the host can keep the
// worker alive until the event has settled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/classify"
	"github.com/melplay/melplay-shell/internal/logging"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/scope"
)

var (
	// ErrInvalidState 表示在当前生命周期状态下不允许该操作。
	ErrInvalidState = errors.New("worker: invalid lifecycle state")
	// ErrIncomplete 表示恢复时存储中的代际缺少离线清单条目。
	ErrIncomplete = errors.New("worker: stored generation is incomplete")
)

// State 是 worker 生命周期状态。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Options 描述一个 worker 的全部输入，创建后不可变。
type Options struct {
	Registration   string
	Scope          scope.Scope
	Generation     string
	OfflineURLs    []string
	BypassPrefixes []string
	Storage        cache.Storage
	Fetcher        network.Fetcher
	Logger         *logrus.Logger

	// Keep 保护其他注册仍在使用的代际不被激活清理删除。
	Keep func(generation string) bool
}

// Outcome 是一次 fetch 事件的结果。Response 为 nil 表示 worker 不生成响应，
// 由宿主执行默认的网络请求。
type Outcome struct {
	Disposition classify.Disposition
	Response    *cache.Response
	Source      Source
}

// Worker 是单个注册下的一个版本。
type Worker struct {
	id         string
	opts       Options
	classifier *classify.Classifier
	generation *Generation
	engine     *Engine
	logger     *logrus.Entry

	mu          sync.RWMutex
	state       State
	skipWaiting bool
}

// New 校验参数并构建处于 parsed 状态的 worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}
	if strings.TrimSpace(opts.Generation) == "" {
		return nil, errors.New("worker: generation name is required")
	}
	if opts.Scope.Path() == "" {
		return nil, errors.New("worker: scope is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	id := uuid.NewString()
	logger := opts.Logger.WithFields(logging.EventFields("worker", opts.Registration, opts.Generation, id))
	gen := &Generation{
		name:     opts.Generation,
		scope:    opts.Scope,
		manifest: append([]string(nil), opts.OfflineURLs...),
		storage:  opts.Storage,
		fetcher:  opts.Fetcher,
		keep:     opts.Keep,
		logger:   logger,
	}

	return &Worker{
		id:         id,
		opts:       opts,
		classifier: classify.New(opts.Scope, opts.BypassPrefixes),
		generation: gen,
		engine:     newEngine(gen, opts.Fetcher, logger),
		logger:     logger,
		state:      StateParsed,
	}, nil
}

func (w *Worker) ID() string                       { return w.id }
func (w *Worker) Scope() scope.Scope               { return w.opts.Scope }
func (w *Worker) Generation() *Generation          { return w.generation }
func (w *Worker) Classifier() *classify.Classifier { return w.classifier }

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) settle(to State) {
	w.mu.Lock()
	w.state = to
	w.mu.Unlock()
}

// Install 预热当前代际。成功进入 installed，失败进入 redundant。
func (w *Worker) Install(ctx context.Context) *Completion[struct{}] {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return Resolved(struct{}{}, err)
	}
	return Start(ctx, func(ctx context.Context) (struct{}, error) {
		w.logger.WithField("action", "install").Info("install_start")
		if err := w.generation.Seed(ctx); err != nil {
			w.settle(StateRedundant)
			w.logger.WithField("action", "install").WithError(err).Warn("install_failed")
			return struct{}{}, err
		}
		w.settle(StateInstalled)
		w.logger.WithField("action", "install").Info("install_complete")
		return struct{}{}, nil
	})
}

// Resume 以存储中已完整的代际完成安装，不访问网络，用于离线重启。
func (w *Worker) Resume(ctx context.Context) *Completion[struct{}] {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return Resolved(struct{}{}, err)
	}
	return Start(ctx, func(ctx context.Context) (struct{}, error) {
		complete, err := w.generation.Complete(ctx)
		if err == nil && !complete {
			err = fmt.Errorf("%w: %s", ErrIncomplete, w.generation.Name())
		}
		if err != nil {
			w.settle(StateRedundant)
			w.logger.WithField("action", "resume").WithError(err).Warn("resume_failed")
			return struct{}{}, err
		}
		w.settle(StateInstalled)
		w.logger.WithField("action", "resume").Info("resume_complete")
		return struct{}{}, nil
	})
}

// SkipWaiting 记录跳过等待信号，宿主据此立即激活。
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// SkipWaitingRequested 报告是否收到跳过等待信号。
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Activate 清理其他代际后进入 activated；清理失败只记日志，不阻止激活。
// 返回被删除的代际标识。
func (w *Worker) Activate(ctx context.Context) *Completion[[]string] {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return Resolved[[]string](nil, err)
	}
	return Start(ctx, func(ctx context.Context) ([]string, error) {
		deleted, err := w.generation.PruneOthers(ctx)
		entry := w.logger.WithField("action", "activate").WithField("pruned", deleted)
		if err != nil {
			entry.WithError(err).Warn("prune_failed")
		}
		w.settle(StateActivated)
		entry.Info("activate_complete")
		return deleted, nil
	})
}

// MarkRedundant 把 worker 标记为已被替换。
func (w *Worker) MarkRedundant() {
	w.settle(StateRedundant)
}

// HandleFetch 分类请求并执行对应策略。ignore/bypass 与未激活的 worker
// 返回不带响应的 Outcome，请求原样交给网络。
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) *Completion[Outcome] {
	disposition := w.classifier.Classify(classify.FromHTTP(req))
	if !disposition.Intercepts() || w.State() != StateActivated {
		return Resolved(Outcome{Disposition: disposition}, nil)
	}

	return Start(ctx, func(ctx context.Context) (Outcome, error) {
		var (
			result Result
			err    error
		)
		if disposition == classify.Navigation {
			result, err = w.engine.Navigate(ctx, req)
		} else {
			result, err = w.engine.Asset(ctx, req)
		}
		out := Outcome{Disposition: disposition, Response: result.Response, Source: result.Source}
		return out, err
	})
}

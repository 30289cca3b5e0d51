package host

import (
	"sync"
	"time"

	"github.com/melplay/melplay-shell/internal/scope"
	"github.com/melplay/melplay-shell/internal/worker"
)

// RegistrationOptions 描述一次注册/更新请求。
type RegistrationOptions struct {
	Name           string
	Scope          scope.Scope
	Generation     string
	OfflineURLs    []string
	BypassPrefixes []string

	// HoldActivation 为 true 时，已有活跃 worker 的情况下新版本安装后停在 waiting，
	// 直到收到 skip-waiting 信号。
	HoldActivation bool
}

// Registration 是某个 scope 的注册记录，最多同时持有 active / waiting / installing 三个 worker。
type Registration struct {
	name  string
	scope scope.Scope

	// update 串行化同一注册上的安装与激活。
	update sync.Mutex

	mu         sync.RWMutex
	active     *worker.Worker
	waiting    *worker.Worker
	installing *worker.Worker
	lastErr    error
	updatedAt  time.Time
}

func (r *Registration) Name() string       { return r.name }
func (r *Registration) Scope() scope.Scope { return r.scope }

// Active 返回控制该 scope 的 worker，可能为 nil。
func (r *Registration) Active() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已安装但尚未激活的 worker，可能为 nil。
func (r *Registration) Waiting() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// generations 返回该注册下所有存活 worker 使用的代际。
func (r *Registration) generations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, w := range []*worker.Worker{r.active, r.waiting, r.installing} {
		if w != nil {
			names = append(names, w.Generation().Name())
		}
	}
	return names
}

func (r *Registration) setInstalling(w *worker.Worker) {
	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()
}

func (r *Registration) recordError(err error) {
	r.mu.Lock()
	r.installing = nil
	r.lastErr = err
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
}

// promoteWaiting 把安装完成的 worker 放到 waiting 位置，替换掉旧的 waiting。
func (r *Registration) promoteWaiting(w *worker.Worker) {
	r.mu.Lock()
	previous := r.waiting
	r.waiting = w
	r.installing = nil
	r.lastErr = nil
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
	if previous != nil && previous != w {
		previous.MarkRedundant()
	}
}

// promoteActive 让 w 接管 scope，旧的活跃 worker 变为 redundant。
func (r *Registration) promoteActive(w *worker.Worker) {
	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
	if previous != nil && previous != w {
		previous.MarkRedundant()
	}
}

// WorkerStatus 是诊断输出中的 worker 摘要。
type WorkerStatus struct {
	ID         string `json:"id"`
	Generation string `json:"generation"`
	State      string `json:"state"`
}

// RegistrationStatus 是诊断输出中的注册摘要。
type RegistrationStatus struct {
	Name      string        `json:"name"`
	Scope     string        `json:"scope"`
	Active    *WorkerStatus `json:"active,omitempty"`
	Waiting   *WorkerStatus `json:"waiting,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (r *Registration) status() RegistrationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RegistrationStatus{
		Name:      r.name,
		Scope:     r.scope.String(),
		Active:    workerStatus(r.active),
		Waiting:   workerStatus(r.waiting),
		UpdatedAt: r.updatedAt,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func workerStatus(w *worker.Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{ID: w.ID(), Generation: w.Generation().Name(), State: w.State().String()}
}

package swproxy

import (
	"context"
	"sync"

	"go.trai.ch/zerr"
)

type eventDispatcher interface {
	Dispatch(ctx context.Context, ev Event) *Task
}

// Registration owns the worker versions of one app. At most one worker is
// active; a deploy installs a new worker next to it and only replaces it
// once the new generation is activated.
type Registration struct {
	deps       workerDeps
	dispatcher eventDispatcher

	mu         sync.Mutex
	active     *Worker
	installing *Worker
	waiting    *Worker
}

func newRegistration(deps workerDeps, d eventDispatcher) *Registration {
	return &Registration{deps: deps, dispatcher: d}
}

// Active returns the worker whose generation is current, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Update deploys version: install through the dispatch table, then, since
// installed workers skip waiting, activate. A failed install leaves the
// active worker serving untouched.
func (r *Registration) Update(ctx context.Context, version string, manifest []string) (ActivateReport, error) {
	r.mu.Lock()
	if r.installing != nil {
		r.mu.Unlock()
		return ActivateReport{}, zerr.With(withKind(ErrUpdateInProgress, nil), "installing", r.installing.Version())
	}
	if r.active != nil && r.active.Version() == version {
		r.mu.Unlock()
		return ActivateReport{}, zerr.With(withKind(ErrVersionActive, nil), "version", version)
	}
	w := newWorker(version, manifest, r.deps)
	r.installing = w
	r.mu.Unlock()

	err := r.run(ctx, &InstallEvent{Worker: w})

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		return ActivateReport{}, err
	}
	r.waiting = w
	r.mu.Unlock()

	if !w.SkipWaiting() {
		return ActivateReport{}, nil
	}
	return r.activate(ctx, w)
}

func (r *Registration) activate(ctx context.Context, w *Worker) (ActivateReport, error) {
	r.mu.Lock()
	prev := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	r.deps.metrics.setActive(prevVersion, w.Version())

	ev := &ActivateEvent{Worker: w}
	if err := r.run(ctx, ev); err != nil {
		return ActivateReport{}, err
	}
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	return ev.Report, nil
}

func (r *Registration) run(ctx context.Context, ev Event) error {
	task := r.dispatcher.Dispatch(ctx, ev)
	if task == nil {
		return zerr.With(zerr.New("no handler registered"), "event", string(ev.Kind()))
	}
	return task.Wait(ctx)
}

// WorkerInfo is a snapshot of one worker for the control API.
type WorkerInfo struct {
	Version string      `json:"version"`
	State   WorkerState `json:"state"`
}

// Workers returns the active, installing and waiting workers, in that order,
// skipping empty slots.
func (r *Registration) Workers() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WorkerInfo
	for _, w := range []*Worker{r.active, r.installing, r.waiting} {
		if w == nil {
			continue
		}
		out = append(out, WorkerInfo{Version: w.Version(), State: w.State()})
	}
	return out
}

package swproxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

type WorkerState string

const (
	StateUninstalled WorkerState = "uninstalled"
	StateInstalling  WorkerState = "installing"
	StateInstalled   WorkerState = "installed"
	StateActivating  WorkerState = "activating"
	StateActivated   WorkerState = "activated"
	StateRedundant   WorkerState = "redundant"
)

// manifestFetchLimit bounds concurrent manifest fetches during install.
const manifestFetchLimit = 8

type workerDeps struct {
	store   Store
	fetcher Fetcher
	clients *Clients
	origin  *url.URL
	log     *slog.Logger
	metrics *Metrics
}

// Worker is one deployed version. Its generation in the store is named by
// the version tag.
type Worker struct {
	version  string
	manifest []string
	deps     workerDeps

	mu          sync.Mutex
	state       WorkerState
	skipWaiting bool
}

func newWorker(version string, manifest []string, deps workerDeps) *Worker {
	if deps.log == nil {
		deps.log = slog.Default()
	}
	return &Worker{
		version:  version,
		manifest: append([]string(nil), manifest...),
		deps:     deps,
		state:    StateUninstalled,
	}
}

func (w *Worker) Version() string { return w.version }

func (w *Worker) Manifest() []string { return append([]string(nil), w.manifest...) }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaiting reports whether the installed worker asked to be activated
// without waiting for open pages to close.
func (w *Worker) SkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) transition(from, to WorkerState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return zerr.With(zerr.With(withKind(ErrInvalidState, nil), "state", string(w.state)), "want", string(from))
	}
	w.state = to
	return nil
}

// Install fetches every manifest entry and writes them into the worker's
// generation in one atomic batch. Any failed entry fails the install and
// nothing is written.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	log := w.deps.log.With("version", w.version)
	log.Info("installing", "entries", len(w.manifest))

	ents, err := w.fetchManifest(ctx)
	if err == nil {
		err = w.deps.store.PutAll(ctx, w.version, ents)
		if err != nil {
			err = withKind(ErrInstallFailed, err)
		}
	}
	if err != nil {
		w.setState(StateRedundant)
		w.deps.metrics.observeLifecycle(EventInstall, false)
		log.Error("install failed", "error", err)
		return err
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.skipWaiting = true
	w.mu.Unlock()
	w.deps.metrics.observeLifecycle(EventInstall, true)
	log.Info("installed", "entries", len(ents))
	return nil
}

func (w *Worker) fetchManifest(ctx context.Context) (map[string]CacheEntry, error) {
	results := make([]CacheEntry, len(w.manifest))
	keys := make([]string, len(w.manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestFetchLimit)
	for i, p := range w.manifest {
		g.Go(func() error {
			ref, err := url.Parse(p)
			if err != nil {
				return zerr.With(withKind(ErrManifestFetch, err), "url", p)
			}
			abs := w.deps.origin.ResolveReference(ref)
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, abs.String(), nil)
			if err != nil {
				return zerr.With(withKind(ErrManifestFetch, err), "url", p)
			}
			ent, err := w.deps.fetcher.Fetch(gctx, req)
			if err != nil {
				return zerr.With(withKind(ErrManifestFetch, err), "url", p)
			}
			if !ent.ok() {
				return zerr.With(zerr.With(withKind(ErrManifestFetch, nil), "url", p), "status", ent.Status)
			}
			keys[i] = RequestKey(req)
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]CacheEntry, len(results))
	for i := range results {
		out[keys[i]] = results[i]
	}
	return out, nil
}

// ActivateReport lists what activation did to stale generations.
type ActivateReport struct {
	Deleted []string         `json:"deleted"`
	Failed  map[string]error `json:"-"`
	Claimed int              `json:"claimed"`
}

// Activate deletes every generation not named by this worker's version, then
// claims all open views. Deletion failures are isolated per generation and
// never stop the claim.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return ActivateReport{}, err
	}
	log := w.deps.log.With("version", w.version)
	log.Info("activating")

	report := ActivateReport{Failed: map[string]error{}}
	names, err := w.deps.store.Names(ctx)
	if err != nil {
		log.Warn("list generations failed", "error", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		if name == w.version {
			continue
		}
		g.Go(func() error {
			existed, err := w.deps.store.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				log.Warn("remove stale generation failed", "generation", name, "error", err)
				return nil
			}
			if existed {
				report.Deleted = append(report.Deleted, name)
				log.Info("removed stale generation", "generation", name)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Deleted)
	w.deps.metrics.observeDeleted(len(report.Deleted))

	if w.deps.clients != nil {
		report.Claimed = w.deps.clients.Claim(w.version)
	}
	w.setState(StateActivated)
	w.deps.metrics.observeLifecycle(EventActivate, len(report.Failed) == 0)
	log.Info("activated", "deleted", len(report.Deleted), "failed", len(report.Failed), "claimed", report.Claimed)
	return report, nil
}

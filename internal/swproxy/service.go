package swproxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const statusHeader = "X-Swproxy"

type Service struct {
	cfg Config
	log *slog.Logger

	origin     *url.URL
	offlineKey string

	store    Store
	fetcher  Fetcher
	direct   Fetcher
	notifier Notifier

	registry *prometheus.Registry
	metrics  *Metrics

	dispatcher *Dispatcher
	reg        *Registration
	clients    *Clients
	surface    *Surface
	push       *pushHandler

	refillLog *rateLimitedLogger
	stats     *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

func WithStore(st Store) Option { return func(s *Service) { s.store = st } }

func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithRegistry(reg *prometheus.Registry) Option { return func(s *Service) { s.registry = reg } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.origin == nil {
		if err := cfg.normalize(); err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg:    cfg,
		origin: cfg.OriginURL(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = NewLogger(cfg)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	m, err := NewMetrics(s.registry)
	if err != nil {
		return nil, err
	}
	s.metrics = m

	if s.fetcher == nil {
		s.fetcher = newUpstreamFetcher(cfg.Server.Upstream, nil)
	}
	s.direct = newUpstreamFetcher("", nil)
	if s.notifier == nil && len(cfg.Notifications.URLs) > 0 {
		n, err := newShoutrrrNotifier(cfg.Notifications.URLs, cfg.notifyTimeout)
		if err != nil {
			return nil, err
		}
		s.notifier = n
	}
	if s.store == nil {
		st, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		s.store = st
	}

	offline := s.origin.ResolveReference(&url.URL{Path: cfg.App.OfflinePage})
	s.offlineKey = requestKeyFor(http.MethodGet, offline.String())

	s.refillLog = newRateLimitedLogger(s.log.With("component", "strategy"), time.Minute)
	s.clients = NewClients(s.origin, s.log.With("component", "clients"))
	s.surface = NewSurface(s.notifier, cfg.Notifications.Permission == "granted", s.log.With("component", "notifications"), s.metrics)
	s.push = &pushHandler{
		appName: cfg.App.Name,
		icon:    cfg.App.Icon,
		badge:   cfg.App.Badge,
		surface: s.surface,
		clients: s.clients,
		metrics: s.metrics,
		log:     s.log.With("component", "push"),
	}

	s.dispatcher = NewDispatcher()
	s.dispatcher.On(EventInstall, onInstall)
	s.dispatcher.On(EventActivate, onActivate)
	s.dispatcher.On(EventFetch, s.onFetch)
	s.dispatcher.On(EventPush, s.push.onPush)
	s.dispatcher.On(EventNotificationClick, s.push.onNotificationClick)

	s.reg = newRegistration(workerDeps{
		store:   s.store,
		fetcher: s.fetcher,
		clients: s.clients,
		origin:  s.origin,
		log:     s.log.With("component", "lifecycle"),
		metrics: s.metrics,
	}, s.dispatcher)

	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}

	return s, nil
}

// Start registers the configured version: install, then activate.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.reg.Update(ctx, s.cfg.App.Version, s.cfg.App.Manifest)
	return err
}

// Deploy installs and activates a new version. An empty manifest reuses the
// configured one.
func (s *Service) Deploy(ctx context.Context, version string, manifest []string) (ActivateReport, error) {
	if len(manifest) == 0 {
		manifest = s.cfg.App.Manifest
	}
	manifest, err := normalizeManifest(manifest, s.cfg.App.OfflinePage)
	if err != nil {
		return ActivateReport{}, withKind(ErrInvalidManifest, err)
	}
	return s.reg.Update(ctx, version, manifest)
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", "error", err)
		}
	})
}

func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func onInstall(ctx context.Context, ev Event) *Task {
	w := ev.(*InstallEvent).Worker
	return Go(func() error { return w.Install(ctx) })
}

func onActivate(ctx context.Context, ev Event) *Task {
	ae := ev.(*ActivateEvent)
	return Go(func() error {
		rep, err := ae.Worker.Activate(ctx)
		ae.Report = rep
		return err
	})
}

func (s *Service) onFetch(ctx context.Context, ev Event) *Task {
	fe := ev.(*FetchEvent)
	w := s.reg.Active()
	if w == nil {
		return nil
	}
	fe.Class = Classify(s.origin, fe.Request)
	strategy, ok := StrategyFor(fe.Class)
	if !ok {
		return nil
	}
	if fe.Class == ClassNavigate {
		s.clients.Visit(requestURL(fe.Request).String(), w.Version())
	}

	exec := &Executor{
		Store:      s.store,
		Fetcher:    s.fetcher,
		Generation: w.Version(),
		OfflineKey: s.offlineKey,
		Log:        s.log.With("component", "strategy"),
		refillLog:  s.refillLog,
	}
	return Go(func() error {
		ent, src, err := exec.Execute(ctx, strategy, fe.Request)
		if err != nil {
			s.metrics.observeFetchError(fe.Class)
			return err
		}
		s.metrics.observeFetch(fe.Class, src)
		fe.RespondWith(ent, src)
		return nil
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	ev := &FetchEvent{Request: r}
	task := s.dispatcher.Dispatch(r.Context(), ev)
	if task == nil {
		s.passThrough(w, r)
		return
	}
	if err := task.Wait(r.Context()); err != nil {
		s.log.Debug("fetch failed", "url", r.URL.String(), "class", ev.Class.String(), "error", err)
		setStatusHeaders(w.Header(), ev.Class.String()+"-error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	ent, src, ok := ev.Response()
	if !ok {
		setStatusHeaders(w.Header(), ev.Class.String()+"-error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, ent, src, ev.Class.String()+"-"+string(src))
}

// passThrough serves requests the worker did not intercept: straight to the
// network, never cached.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	f := s.fetcher
	if !sameOrigin(requestURL(r), s.origin) {
		if !s.cfg.Server.ForwardCrossOrigin {
			setStatusHeaders(w.Header(), "bypass")
			http.Error(w, "cross-origin forwarding disabled", http.StatusMisdirectedRequest)
			return
		}
		f = s.direct
	}
	ent, err := f.Fetch(r.Context(), r)
	if err != nil {
		setStatusHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, ent, "bypass")
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, status string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, statusHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeaders(w.Header(), status)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setStatusHeaders(h http.Header, status string) {
	if status != "" {
		h.Set(statusHeader, status)
	}
	// Pages read the header from JS only if it is exposed.
	ensureExposedHeader(h, statusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, src Source, status string) {
	writeEntry(w, ent, status)
	if s.stats != nil {
		s.stats.Observe(src, len(ent.Body))
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	active := ""
	if w := s.reg.Active(); w != nil {
		active = w.Version()
	}
	names, err := s.store.Names(context.Background())
	if err != nil {
		s.log.Warn("stats: list generations", "error", err)
	}
	args := []any{
		"active", active,
		"generations", len(names),
		"from_cache", ss.FromCache,
		"from_network", ss.FromNetwork,
		"resp_min", formatBytes(ss.MinRespBytes),
		"resp_avg", formatBytes(ss.AvgRespBytes),
		"resp_max", formatBytes(ss.MaxRespBytes),
	}
	if rs, ok := s.store.(*ramStore); ok {
		args = append(args, "ram_items", rs.lru.Len(), "ram_usage", formatBytes(uint64(rs.lru.TotalSize())))
	}
	s.log.Info("stats", args...)
}

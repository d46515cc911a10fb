package swproxy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/google/uuid"
)

const (
	defaultPushBody = "New notification"
	defaultPushURL  = "/"
)

// PushPayload is the JSON body of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// ParsePushPayload decodes data, falling back to defaults for a missing
// payload, a malformed one, or individual missing fields.
func ParsePushPayload(data []byte, appName string) PushPayload {
	p := PushPayload{Title: appName, Body: defaultPushBody, URL: defaultPushURL}
	if len(data) == 0 {
		return p
	}
	obj, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return p
	}
	if v, err := obj.GetString("title"); err == nil && v != "" {
		p.Title = v
	}
	if v, err := obj.GetString("body"); err == nil && v != "" {
		p.Body = v
	}
	if v, err := obj.GetString("url"); err == nil && v != "" {
		p.URL = v
	}
	return p
}

// Notifier renders a notification somewhere a user will see it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// logNotifier is used when no delivery URLs are configured.
type logNotifier struct {
	log *slog.Logger
}

func (l logNotifier) Show(_ context.Context, n Notification) error {
	l.log.Info("notification", "id", n.ID, "title", n.Title, "body", n.Body, "url", n.Data.URL)
	return nil
}

// Surface is the platform notification area: it gates display on
// permission and keeps shown notifications until they are closed.
type Surface struct {
	notifier Notifier
	granted  bool
	log      *slog.Logger
	metrics  *Metrics

	mu    sync.Mutex
	shown map[string]Notification
}

func NewSurface(notifier Notifier, granted bool, log *slog.Logger, metrics *Metrics) *Surface {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = logNotifier{log: log}
	}
	return &Surface{
		notifier: notifier,
		granted:  granted,
		log:      log,
		metrics:  metrics,
		shown:    map[string]Notification{},
	}
}

// Show displays n. Without permission it is a silent no-op and reports
// false.
func (s *Surface) Show(ctx context.Context, n Notification) (bool, error) {
	if !s.granted {
		s.log.Debug("notification suppressed, permission not granted", "title", n.Title)
		s.metrics.observeNotification("suppressed")
		return false, nil
	}
	if err := s.notifier.Show(ctx, n); err != nil {
		s.metrics.observeNotification("failed")
		return false, err
	}
	s.mu.Lock()
	s.shown[n.ID] = n
	s.mu.Unlock()
	s.metrics.observeNotification("shown")
	return true, nil
}

func (s *Surface) Get(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.shown[id]
	return n, ok
}

// Close removes the notification; it reports whether it was still shown.
func (s *Surface) Close(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.shown[id]
	delete(s.shown, id)
	return ok
}

func (s *Surface) List() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.shown))
	for _, n := range s.shown {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// pushHandler turns push messages into notifications and routes clicks.
type pushHandler struct {
	appName string
	icon    string
	badge   string
	surface *Surface
	clients *Clients
	metrics *Metrics
	log     *slog.Logger
}

func (h *pushHandler) buildNotification(data []byte) Notification {
	p := ParsePushPayload(data, h.appName)
	return Notification{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Body:      p.Body,
		Icon:      h.icon,
		Badge:     h.badge,
		Data:      NotificationData{URL: p.URL},
		CreatedAt: time.Now().UTC(),
	}
}

func (h *pushHandler) onPush(ctx context.Context, ev Event) *Task {
	pe := ev.(*PushEvent)
	h.log.Info("push received", "bytes", len(pe.Data))
	n := h.buildNotification(pe.Data)
	pe.Notification = n
	return Go(func() error {
		_, err := h.surface.Show(ctx, n)
		return err
	})
}

func (h *pushHandler) onNotificationClick(ctx context.Context, ev Event) *Task {
	ce := ev.(*NotificationClickEvent)
	h.log.Info("notification click", "id", ce.Notification.ID)
	h.surface.Close(ce.Notification.ID)
	h.metrics.observeNotification("clicked")

	target := ce.Notification.Data.URL
	if target == "" {
		target = defaultPushURL
	}
	return Go(func() error {
		res, err := h.clients.OpenWindow(ctx, target)
		if err != nil {
			return err
		}
		ce.Result = res
		return nil
	})
}

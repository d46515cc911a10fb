package swproxy

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is one open page (view) known to the worker.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller"`
	SeenAt     time.Time `json:"seenAt"`
}

type OpenAction string

const (
	ActionFocus OpenAction = "focus"
	ActionOpen  OpenAction = "open"
)

type OpenResult struct {
	Action   OpenAction `json:"action"`
	URL      string     `json:"url"`
	ClientID string     `json:"clientId"`
}

// Clients tracks the views that navigated through the proxy, keyed by URL.
type Clients struct {
	origin *url.URL
	log    *slog.Logger

	mu    sync.Mutex
	byURL map[string]*Client
}

func NewClients(origin *url.URL, log *slog.Logger) *Clients {
	if log == nil {
		log = slog.Default()
	}
	return &Clients{origin: origin, log: log, byURL: map[string]*Client{}}
}

// Visit records a navigation to rawURL. A new view is controlled by the
// version that served it; a known view keeps its controller.
func (c *Clients) Visit(rawURL, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if cl, ok := c.byURL[rawURL]; ok {
		cl.SeenAt = now
		return *cl
	}
	cl := &Client{ID: uuid.NewString(), URL: rawURL, Controller: controller, SeenAt: now}
	c.byURL[rawURL] = cl
	return *cl
}

// Claim makes version the controller of every known view and returns how
// many changed hands.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.byURL {
		if cl.Controller != version {
			cl.Controller = version
			n++
		}
	}
	return n
}

// OpenWindow focuses the view at target if one is open, otherwise opens and
// records a new one. An empty target means "/".
func (c *Clients) OpenWindow(ctx context.Context, target string) (OpenResult, error) {
	if err := ctx.Err(); err != nil {
		return OpenResult{}, err
	}
	abs, err := c.resolve(target)
	if err != nil {
		return OpenResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.byURL[abs]; ok {
		cl.SeenAt = time.Now()
		c.log.Debug("focus client", "url", abs, "client", cl.ID)
		return OpenResult{Action: ActionFocus, URL: abs, ClientID: cl.ID}, nil
	}
	cl := &Client{ID: uuid.NewString(), URL: abs, SeenAt: time.Now()}
	c.byURL[abs] = cl
	c.log.Debug("open client", "url", abs, "client", cl.ID)
	return OpenResult{Action: ActionOpen, URL: abs, ClientID: cl.ID}, nil
}

func (c *Clients) resolve(target string) (string, error) {
	if target == "" {
		target = "/"
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if c.origin == nil {
		return ref.String(), nil
	}
	return c.origin.ResolveReference(ref).String(), nil
}

func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.byURL))
	for _, cl := range c.byURL {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

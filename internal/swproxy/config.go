package swproxy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		ControlPort int    `yaml:"control_port"`
		Upstream    string `yaml:"upstream"`
		// ForwardCrossOrigin lets absolute-form requests for other origins
		// through to the network. Off, they are refused.
		ForwardCrossOrigin bool `yaml:"forward_cross_origin"`
	} `yaml:"server"`

	App struct {
		Name        string   `yaml:"name"`
		Origin      string   `yaml:"origin"`
		Version     string   `yaml:"version"`
		OfflinePage string   `yaml:"offline_page"`
		Icon        string   `yaml:"icon"`
		Badge       string   `yaml:"badge"`
		Manifest    []string `yaml:"manifest"`
	} `yaml:"app"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Notifications struct {
		// Permission mirrors the page-side permission prompt: only "granted"
		// renders anything.
		Permission string   `yaml:"permission"`
		URLs       []string `yaml:"urls"`
		Timeout    string   `yaml:"timeout"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"log_stats_every"`
	} `yaml:"logging"`

	// compiled
	origin           *url.URL
	ramMax           int64
	notifyTimeout    time.Duration
	logStatsEveryDur time.Duration
}

const (
	defaultAppName     = "Mekong Agency"
	defaultVersion     = "mekong-os-v1"
	defaultOfflinePage = "/offline.html"
	defaultIcon        = "/favicon.png"
)

var defaultManifest = []string{
	"/",
	"/index.html",
	"/offline.html",
	"/favicon.png",
	"/assets/css/m3-agency.css",
	"/assets/css/admin-unified.css",
	"/assets/js/components/sadec-sidebar.js",
	"/assets/js/auth.js",
	"/assets/js/utils.js",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize fills defaults and compiles derived fields. It is also used by
// tests that build a Config in code.
func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ControlPort == 0 {
		cfg.Server.ControlPort = 9090
	}
	if cfg.Server.Upstream == "" {
		return fmt.Errorf("server.upstream is required")
	}
	cfg.Server.Upstream = strings.TrimRight(cfg.Server.Upstream, "/")
	if _, err := url.Parse(cfg.Server.Upstream); err != nil {
		return fmt.Errorf("server.upstream: %w", err)
	}

	if cfg.App.Name == "" {
		cfg.App.Name = defaultAppName
	}
	if cfg.App.Version == "" {
		cfg.App.Version = defaultVersion
	}
	if cfg.App.Origin == "" {
		cfg.App.Origin = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	origin, err := parseOrigin(cfg.App.Origin)
	if err != nil {
		return fmt.Errorf("app.origin: %w", err)
	}
	cfg.origin = origin
	cfg.App.Origin = origin.String()

	if cfg.App.OfflinePage == "" {
		cfg.App.OfflinePage = defaultOfflinePage
	}
	if cfg.App.Icon == "" {
		cfg.App.Icon = defaultIcon
	}
	if cfg.App.Badge == "" {
		cfg.App.Badge = cfg.App.Icon
	}
	if len(cfg.App.Manifest) == 0 {
		cfg.App.Manifest = append([]string(nil), defaultManifest...)
	}
	manifest, err := normalizeManifest(cfg.App.Manifest, cfg.App.OfflinePage)
	if err != nil {
		return err
	}
	cfg.App.Manifest = manifest

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = "leveldb"
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.ramMax = n
	}

	switch cfg.Notifications.Permission {
	case "":
		cfg.Notifications.Permission = "default"
	case "granted", "denied", "default":
	default:
		return fmt.Errorf("notifications.permission: unknown value %q", cfg.Notifications.Permission)
	}
	cfg.notifyTimeout = 10 * time.Second
	if cfg.Notifications.Timeout != "" {
		d, err := time.ParseDuration(cfg.Notifications.Timeout)
		if err != nil {
			return fmt.Errorf("notifications.timeout: %w", err)
		}
		cfg.notifyTimeout = d
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.log_stats_every: %w", err)
		}
		cfg.logStatsEveryDur = d
	}
	return nil
}

func parseOrigin(s string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(s), "/"))
	if err != nil {
		return nil, err
	}
	if sc := strings.ToLower(u.Scheme); sc != "http" && sc != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	scheme := strings.ToLower(u.Scheme)
	return &url.URL{Scheme: scheme, Host: canonicalHost(scheme, u.Host)}, nil
}

// normalizeManifest drops duplicates keeping the first occurrence and makes
// sure the offline page is part of the manifest.
func normalizeManifest(entries []string, offlinePage string) ([]string, error) {
	seen := make(map[string]struct{}, len(entries)+1)
	out := make([]string, 0, len(entries)+1)
	for i, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, "/") {
			return nil, fmt.Errorf("app.manifest[%d]: %q must be an absolute path", i, e)
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	if _, ok := seen[offlinePage]; !ok {
		out = append(out, offlinePage)
	}
	return out, nil
}

// OriginURL is the compiled app origin.
func (cfg Config) OriginURL() *url.URL {
	u := *cfg.origin
	return &u
}

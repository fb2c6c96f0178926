package offline0

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int    `yaml:"port" json:"port"`
		Origin       string `yaml:"origin" json:"origin"`
		FetchTimeout string `yaml:"fetchTimeout" json:"fetchTimeout"`

		originURL       *url.URL
		fetchTimeoutDur time.Duration
	} `yaml:"server" json:"server"`

	Storage struct {
		Path string `yaml:"path" json:"path"`
		RAM  struct {
			Max string `yaml:"max" json:"max"`
		} `yaml:"ram" json:"ram"`
		// Disk bounds entries cached at runtime; provisioned entries are exempt.
		Disk struct {
			Max string `yaml:"max" json:"max"`
		} `yaml:"disk" json:"disk"`
		Entry struct {
			Max string `yaml:"max" json:"max"`
		} `yaml:"entry" json:"entry"`

		ramMax   int64
		diskMax  int64
		entryMax int64
	} `yaml:"storage" json:"storage"`

	Cache struct {
		// AllowedOrigins lists cross-origin hosts whose responses may be cached.
		AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
		// Volatile lists host patterns served network-first, never from cache.
		Volatile    []string `yaml:"volatile" json:"volatile"`
		OfflinePage string   `yaml:"offlinePage" json:"offlinePage"`

		allowed  map[string]struct{}
		volatile []hostPattern
	} `yaml:"cache" json:"cache"`

	Lifecycle struct {
		Version     string   `yaml:"version" json:"version"`
		Manifest    []string `yaml:"manifest" json:"manifest"`
		Sitemaps    []string `yaml:"sitemaps" json:"sitemaps"`
		SkipWaiting *bool    `yaml:"skipWaiting" json:"skipWaiting"`
		Parallelism int      `yaml:"parallelism" json:"parallelism"`

		skipWaiting bool
	} `yaml:"lifecycle" json:"lifecycle"`

	Sync struct {
		Endpoint      string `yaml:"endpoint" json:"endpoint"`
		Every         string `yaml:"every" json:"every"`
		SubmitTimeout string `yaml:"submitTimeout" json:"submitTimeout"`
		PingURL       string `yaml:"pingURL" json:"pingURL"`
		PingEvery     string `yaml:"pingEvery" json:"pingEvery"`

		everyDur         time.Duration
		submitTimeoutDur time.Duration
		pingEveryDur     time.Duration
	} `yaml:"sync" json:"sync"`

	Location struct {
		Endpoint string `yaml:"endpoint" json:"endpoint"`
		Timeout  string `yaml:"timeout" json:"timeout"`

		timeoutDur time.Duration
	} `yaml:"location" json:"location"`

	Notifications struct {
		Webhook       string                   `yaml:"webhook" json:"webhook"`
		Alerts        map[string]AlertTemplate `yaml:"alerts" json:"alerts"`
		Actions       map[string]string        `yaml:"actions" json:"actions"`
		DefaultAction string                   `yaml:"defaultAction" json:"defaultAction"`
	} `yaml:"notifications" json:"notifications"`

	Logging struct {
		Level      string `yaml:"level" json:"level"`
		StatsEvery string `yaml:"statsEvery" json:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging" json:"logging"`
}

// LoadConfig reads a YAML config, or JSON with comments when the file ends
// in .json or .jsonc.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(b, filepath.Ext(path))
}

func parseConfig(b []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		std, err := hujson.Standardize(b)
		if err != nil {
			return Config{}, fmt.Errorf("parse jsonc: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin must be an absolute URL, got %q", cfg.Server.Origin)
	}
	cfg.Server.originURL = u

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1gb"
	}
	if cfg.Storage.Entry.Max == "" {
		cfg.Storage.Entry.Max = "8mb"
	}
	if cfg.Storage.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	if cfg.Storage.entryMax, err = parseBytes(cfg.Storage.Entry.Max); err != nil {
		return fmt.Errorf("storage.entry.max: %w", err)
	}

	cfg.Cache.allowed = map[string]struct{}{strings.ToLower(u.Host): {}}
	for i, o := range cfg.Cache.AllowedOrigins {
		host := strings.TrimSpace(o)
		if pu, err := url.Parse(host); err == nil && pu.Host != "" {
			host = pu.Host
		}
		if host == "" {
			return fmt.Errorf("cache.allowedOrigins[%d]: empty", i)
		}
		cfg.Cache.allowed[strings.ToLower(host)] = struct{}{}
	}
	cfg.Cache.volatile = nil
	for i, expr := range cfg.Cache.Volatile {
		p, err := parseHostPattern(expr)
		if err != nil {
			return fmt.Errorf("cache.volatile[%d]: %w", i, err)
		}
		cfg.Cache.volatile = append(cfg.Cache.volatile, p)
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}

	if cfg.Lifecycle.Version == "" {
		return fmt.Errorf("lifecycle.version is required")
	}
	if len(cfg.Lifecycle.Manifest) == 0 {
		cfg.Lifecycle.Manifest = []string{"/", cfg.Cache.OfflinePage}
	}
	cfg.Lifecycle.skipWaiting = cfg.Lifecycle.SkipWaiting == nil || *cfg.Lifecycle.SkipWaiting
	if cfg.Lifecycle.Parallelism <= 0 {
		cfg.Lifecycle.Parallelism = 4
	}

	// Timeouts must be positive; a zero interval disables its loop.
	durations := []struct {
		name    string
		src     string
		def     time.Duration
		dst     *time.Duration
		timeout bool
	}{
		{"server.fetchTimeout", cfg.Server.FetchTimeout, 30 * time.Second, &cfg.Server.fetchTimeoutDur, true},
		{"sync.every", cfg.Sync.Every, 5 * time.Minute, &cfg.Sync.everyDur, false},
		{"sync.submitTimeout", cfg.Sync.SubmitTimeout, 30 * time.Second, &cfg.Sync.submitTimeoutDur, true},
		{"sync.pingEvery", cfg.Sync.PingEvery, 30 * time.Second, &cfg.Sync.pingEveryDur, false},
		{"location.timeout", cfg.Location.Timeout, 10 * time.Second, &cfg.Location.timeoutDur, true},
		{"logging.statsEvery", cfg.Logging.StatsEvery, 0, &cfg.Logging.statsEveryDur, false},
	}
	for _, d := range durations {
		if d.src == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		if d.timeout && v == 0 {
			return fmt.Errorf("%s: must be positive", d.name)
		}
		*d.dst = v
	}

	if cfg.Notifications.DefaultAction == "" {
		cfg.Notifications.DefaultAction = "/"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return nil
}

// resolve turns a manifest path or absolute URL into an absolute URL.
func (cfg *Config) resolve(ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty url")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return cfg.Server.originURL.ResolveReference(u), nil
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "b")
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := map[byte]int64{'k': 1 << 10, 'm': 1 << 20, 'g': 1 << 30}
	mult := int64(1)
	if m, ok := units[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// Package config loads the client configuration from TOML and validates it
// against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/roach88/syncline/internal/clientstorage"
	"github.com/roach88/syncline/internal/storage"
)

//go:embed schema.cue
var schemaSource []byte

const (
	DefaultConfigPath     = "~/.config/syncline/config.toml"
	defaultEventEndpoint  = "ws://localhost:8000/_event"
	defaultUploadEndpoint = "http://localhost:8000/_upload"
	defaultPageURL        = "http://localhost:3000/"
	defaultDatabase       = "~/.local/share/syncline/storage.db"
	defaultDownloadDir    = "~/Downloads"
	defaultHydrateEvent   = "state.hydrate"
)

// Config is the resolved client configuration.
type Config struct {
	EventEndpoint      string
	UploadEndpoint     string
	PageURL            string
	Database           string
	DownloadDir        string
	HydrateEvent       string
	OnLoadEvents       []string
	StorageUpdateEvent string
	InflightTimeout    time.Duration
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	LogLevel           slog.Level
	ClientStorage      clientstorage.Config
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		EventEndpoint:      defaultEventEndpoint,
		UploadEndpoint:     defaultUploadEndpoint,
		PageURL:            defaultPageURL,
		Database:           mustExpand(defaultDatabase),
		DownloadDir:        mustExpand(defaultDownloadDir),
		HydrateEvent:       defaultHydrateEvent,
		StorageUpdateEvent: clientstorage.DefaultUpdateEvent,
		InflightTimeout:    60 * time.Second,
		ReconnectBase:      time.Second,
		ReconnectMax:       30 * time.Second,
		LogLevel:           slog.LevelInfo,
	}
}

type fileConfig struct {
	EventEndpoint      string                 `toml:"event_endpoint"`
	UploadEndpoint     string                 `toml:"upload_endpoint"`
	PageURL            string                 `toml:"page_url"`
	Database           string                 `toml:"database"`
	DownloadDir        string                 `toml:"download_dir"`
	HydrateEvent       string                 `toml:"hydrate_event"`
	OnLoadEvents       []string               `toml:"on_load_events"`
	StorageUpdateEvent string                 `toml:"storage_update_event"`
	InflightTimeout    *string                `toml:"inflight_timeout"`
	ReconnectBase      string                 `toml:"reconnect_base"`
	ReconnectMax       string                 `toml:"reconnect_max"`
	LogLevel           string                 `toml:"log_level"`
	Cookies            map[string]cookieEntry `toml:"cookies"`
	LocalStorage       map[string]localEntry  `toml:"local_storage"`
}

type cookieEntry struct {
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	Domain   string `toml:"domain"`
	MaxAge   string `toml:"max_age"`
	Expires  string `toml:"expires"`
	Secure   bool   `toml:"secure"`
	SameSite string `toml:"same_site"`
}

type localEntry struct {
	Name string `toml:"name"`
	Sync bool   `toml:"sync"`
}

// Load reads the config at path (DefaultConfigPath when empty). A missing
// file yields Default().
func Load(path string) (Config, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return Config{}, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and resolves a TOML document.
func Parse(data []byte) (Config, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(doc); err != nil {
		return Config{}, err
	}

	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw)
}

// Validate checks a decoded document against the embedded schema.
func Validate(doc map[string]any) error {
	cctx := cuecontext.New()
	schema := cctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if doc == nil {
		doc = map[string]any{}
	}
	v := cctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func resolve(raw fileConfig) (Config, error) {
	cfg := Default()

	setString(&cfg.EventEndpoint, raw.EventEndpoint)
	setString(&cfg.UploadEndpoint, raw.UploadEndpoint)
	setString(&cfg.PageURL, raw.PageURL)
	setString(&cfg.HydrateEvent, raw.HydrateEvent)
	setString(&cfg.StorageUpdateEvent, raw.StorageUpdateEvent)
	if strings.TrimSpace(raw.Database) != "" {
		cfg.Database = mustExpand(raw.Database)
	}
	if strings.TrimSpace(raw.DownloadDir) != "" {
		cfg.DownloadDir = mustExpand(raw.DownloadDir)
	}
	cfg.OnLoadEvents = raw.OnLoadEvents

	var err error
	if raw.InflightTimeout != nil {
		if cfg.InflightTimeout, err = parseDuration("inflight_timeout", *raw.InflightTimeout); err != nil {
			return Config{}, err
		}
	}
	if raw.ReconnectBase != "" {
		if cfg.ReconnectBase, err = parseDuration("reconnect_base", raw.ReconnectBase); err != nil {
			return Config{}, err
		}
	}
	if raw.ReconnectMax != "" {
		if cfg.ReconnectMax, err = parseDuration("reconnect_max", raw.ReconnectMax); err != nil {
			return Config{}, err
		}
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		return Config{}, fmt.Errorf("reconnect_max %s is below reconnect_base %s", cfg.ReconnectMax, cfg.ReconnectBase)
	}
	if raw.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("log_level: %w", err)
		}
	}

	cs := clientstorage.Config{}
	if len(raw.Cookies) > 0 {
		cs.Cookies = make(map[string]clientstorage.CookieConfig, len(raw.Cookies))
		for key, c := range raw.Cookies {
			opts, err := c.options()
			if err != nil {
				return Config{}, fmt.Errorf("cookies.%s: %w", key, err)
			}
			cs.Cookies[key] = clientstorage.CookieConfig{Name: c.Name, Options: opts}
		}
	}
	if len(raw.LocalStorage) > 0 {
		cs.LocalStorage = make(map[string]clientstorage.LocalConfig, len(raw.LocalStorage))
		for key, l := range raw.LocalStorage {
			cs.LocalStorage[key] = clientstorage.LocalConfig{Name: l.Name, Sync: l.Sync}
		}
	}
	cfg.ClientStorage = cs
	return cfg, nil
}

func (c cookieEntry) options() (storage.Options, error) {
	opts := storage.Options{
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}
	if c.MaxAge != "" {
		d, err := parseDuration("max_age", c.MaxAge)
		if err != nil {
			return storage.Options{}, err
		}
		opts.MaxAge = d
	}
	if c.Expires != "" {
		t, err := time.Parse(time.RFC3339, c.Expires)
		if err != nil {
			return storage.Options{}, fmt.Errorf("expires: %w", err)
		}
		opts.Expires = t
	}
	return opts, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// ResolvePath expands ~ and makes path absolute, defaulting to
// DefaultConfigPath.
func ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(DefaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}

package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/config"
)

// ConfigView is the resolved configuration as printed by `config show`.
type ConfigView struct {
	Path               string            `json:"path"`
	EventEndpoint      string            `json:"event_endpoint"`
	UploadEndpoint     string            `json:"upload_endpoint"`
	PageURL            string            `json:"page_url"`
	Database           string            `json:"database"`
	DownloadDir        string            `json:"download_dir"`
	HydrateEvent       string            `json:"hydrate_event"`
	OnLoadEvents       []string          `json:"on_load_events"`
	StorageUpdateEvent string            `json:"storage_update_event"`
	InflightTimeout    string            `json:"inflight_timeout"`
	ReconnectBase      string            `json:"reconnect_base"`
	ReconnectMax       string            `json:"reconnect_max"`
	LogLevel           string            `json:"log_level"`
	Cookies            map[string]string `json:"cookies"`
	LocalStorage       map[string]string `json:"local_storage"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate client configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the resolved configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
			}
			path, err := config.ResolvePath(rootOpts.ConfigPath)
			if err != nil {
				path = rootOpts.ConfigPath
			}
			view := newConfigView(path, cfg)
			return out.Success(view, configText(view))
		},
	}
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a config file against the schema",
		Long: `Parse a TOML config file and check it against the embedded schema.
Defaults to the file named by --config.

Exit codes:
  0 - Config is valid
  2 - Config missing or invalid`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			resolved, err := config.ResolvePath(path)
			if err != nil {
				return out.Fail(ExitCommandError, CodeConfig, "invalid config path", err)
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return out.Fail(ExitCommandError, CodeConfig, "failed to read config", err)
			}
			if _, err := config.Parse(data); err != nil {
				return out.Fail(ExitCommandError, CodeConfig, "invalid config", err)
			}
			return out.Success(map[string]any{"path": resolved, "valid": true}, fmt.Sprintf("✓ %s is valid", resolved))
		},
	}
}

func newConfigView(path string, cfg config.Config) ConfigView {
	view := ConfigView{
		Path:               path,
		EventEndpoint:      cfg.EventEndpoint,
		UploadEndpoint:     cfg.UploadEndpoint,
		PageURL:            cfg.PageURL,
		Database:           cfg.Database,
		DownloadDir:        cfg.DownloadDir,
		HydrateEvent:       cfg.HydrateEvent,
		OnLoadEvents:       cfg.OnLoadEvents,
		StorageUpdateEvent: cfg.StorageUpdateEvent,
		InflightTimeout:    cfg.InflightTimeout.String(),
		ReconnectBase:      cfg.ReconnectBase.String(),
		ReconnectMax:       cfg.ReconnectMax.String(),
		LogLevel:           strings.ToLower(cfg.LogLevel.String()),
		Cookies:            map[string]string{},
		LocalStorage:       map[string]string{},
	}
	if view.OnLoadEvents == nil {
		view.OnLoadEvents = []string{}
	}
	for key, c := range cfg.ClientStorage.Cookies {
		name := c.Name
		if name == "" {
			name = key
		}
		view.Cookies[key] = name
	}
	for key, l := range cfg.ClientStorage.LocalStorage {
		name := l.Name
		if name == "" {
			name = key
		}
		view.LocalStorage[key] = name
	}
	return view
}

func configText(v ConfigView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "path                  %s\n", v.Path)
	fmt.Fprintf(&b, "event_endpoint        %s\n", v.EventEndpoint)
	fmt.Fprintf(&b, "upload_endpoint       %s\n", v.UploadEndpoint)
	fmt.Fprintf(&b, "page_url              %s\n", v.PageURL)
	fmt.Fprintf(&b, "database              %s\n", v.Database)
	fmt.Fprintf(&b, "download_dir          %s\n", v.DownloadDir)
	fmt.Fprintf(&b, "hydrate_event         %s\n", v.HydrateEvent)
	fmt.Fprintf(&b, "on_load_events        %s\n", strings.Join(v.OnLoadEvents, ", "))
	fmt.Fprintf(&b, "storage_update_event  %s\n", v.StorageUpdateEvent)
	fmt.Fprintf(&b, "inflight_timeout      %s\n", v.InflightTimeout)
	fmt.Fprintf(&b, "reconnect             %s..%s\n", v.ReconnectBase, v.ReconnectMax)
	fmt.Fprintf(&b, "log_level             %s", v.LogLevel)
	for _, section := range []struct {
		kind    string
		entries map[string]string
	}{{"cookie", v.Cookies}, {"local", v.LocalStorage}} {
		keys := make([]string, 0, len(section.entries))
		for k := range section.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%-6s %s -> %s", section.kind, k, section.entries[k])
		}
	}
	return b.String()
}

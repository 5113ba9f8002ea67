package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/storage"
)

// Storage kinds selectable with --kind.
const (
	KindCookies = "cookies"
	KindLocal   = "local"
	KindAll     = "all"
)

// StorageOptions holds flags shared by the storage subcommands.
type StorageOptions struct {
	*RootOptions
	Database string
	Kind     string
}

// StorageEntry is one listed entry.
type StorageEntry struct {
	Kind string `json:"kind"`
	storage.Entry
}

// NewStorageCommand creates the storage command group.
func NewStorageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StorageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect the durable cookie and local storage database",
		Long: `Inspect the SQLite database the client persists cookies and local
storage to. The database path comes from the config unless --db is given.

Examples:
  syncline storage list
  syncline storage get theme --kind local
  syncline storage clear --kind cookies`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to storage database (default from config)")
	cmd.PersistentFlags().StringVar(&opts.Kind, "kind", KindAll, "store to use (cookies|local|all)")

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List stored entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return storageList(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "get <key>",
		Short:         "Print one stored value",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return storageGet(opts, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Delete stored entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return storageClear(opts, cmd)
		},
	})

	return cmd
}

type namedStore struct {
	kind    string
	backend interface {
		storage.Backend
		storage.Lister
	}
}

// openStores opens the database and returns the stores --kind selects.
func openStores(opts *StorageOptions) (*storage.DB, []namedStore, error) {
	var kinds []string
	switch opts.Kind {
	case KindCookies, KindLocal:
		kinds = []string{opts.Kind}
	case KindAll:
		kinds = []string{KindCookies, KindLocal}
	default:
		return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be one of cookies, local, all", opts.Kind))
	}

	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return nil, nil, err
		}
		path = cfg.Database
	} else {
		resolved, err := config.ResolvePath(path)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid database path", err)
		}
		path = resolved
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "database not found", err)
	}

	db, err := storage.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	stores := make([]namedStore, 0, len(kinds))
	for _, k := range kinds {
		if k == KindCookies {
			stores = append(stores, namedStore{kind: k, backend: db.Cookies()})
		} else {
			stores = append(stores, namedStore{kind: k, backend: db.Local()})
		}
	}
	return db, stores, nil
}

func storageList(opts *StorageOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	db, stores, err := openStores(opts)
	if err != nil {
		return out.Fail(GetExitCode(err), CodeStorage, err.Error(), nil)
	}
	defer db.Close()

	ctx := context.Background()
	entries := []StorageEntry{}
	for _, s := range stores {
		list, err := s.backend.List(ctx)
		if err != nil {
			return out.Fail(ExitCommandError, CodeStorage, "failed to list "+s.kind, err)
		}
		for _, e := range list {
			entries = append(entries, StorageEntry{Kind: s.kind, Entry: e})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Key < entries[j].Key
	})

	var text strings.Builder
	for i, e := range entries {
		if i > 0 {
			text.WriteByte('\n')
		}
		fmt.Fprintf(&text, "%s\t%s\t%s", e.Kind, e.Key, e.Value)
		if !e.Expires.IsZero() {
			fmt.Fprintf(&text, "\texpires=%s", e.Expires.UTC().Format("2006-01-02T15:04:05Z"))
		}
	}
	if len(entries) == 0 {
		text.WriteString("(no entries)")
	}
	return out.Success(entries, text.String())
}

func storageGet(opts *StorageOptions, key string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	db, stores, err := openStores(opts)
	if err != nil {
		return out.Fail(GetExitCode(err), CodeStorage, err.Error(), nil)
	}
	defer db.Close()

	ctx := context.Background()
	for _, s := range stores {
		v, ok, err := s.backend.Get(ctx, key)
		if err != nil {
			return out.Fail(ExitCommandError, CodeStorage, "failed to read "+key, err)
		}
		if ok {
			return out.Success(map[string]string{"kind": s.kind, "key": key, "value": v}, v)
		}
	}
	return out.Fail(ExitFailure, CodeStorage, fmt.Sprintf("no entry %q", key), nil)
}

func storageClear(opts *StorageOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	db, stores, err := openStores(opts)
	if err != nil {
		return out.Fail(GetExitCode(err), CodeStorage, err.Error(), nil)
	}
	defer db.Close()

	ctx := context.Background()
	cleared := make([]string, 0, len(stores))
	for _, s := range stores {
		if err := s.backend.Clear(ctx); err != nil {
			return out.Fail(ExitCommandError, CodeStorage, "failed to clear "+s.kind, err)
		}
		cleared = append(cleared, s.kind)
	}
	return out.Success(map[string]any{"cleared": cleared}, "cleared "+strings.Join(cleared, ", "))
}

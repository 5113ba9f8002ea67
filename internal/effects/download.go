package effects

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// HTTPDownloader saves _download targets into Dir.
type HTTPDownloader struct {
	// Dir receives downloaded files. Created on first use.
	Dir string
	// BaseURL resolves relative download URLs, usually the page URL.
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

// Download fetches rawURL and writes it to Dir/filename. An empty filename
// falls back to the last path segment of the URL.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, filename string) error {
	target, err := d.resolve(rawURL)
	if err != nil {
		return err
	}
	name := fileName(filename, target)
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download %s: status %d", target, resp.StatusCode)
	}

	// Write to a temp file first so a failed transfer leaves nothing behind.
	tmp, err := os.CreateTemp(d.Dir, ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	dest := filepath.Join(d.Dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", name, err)
	}

	logger(d.Logger).Info("download saved", "url", target.String(), "path", dest, "bytes", n)
	return nil
}

func (d *HTTPDownloader) resolve(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse download url: %w", err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if d.BaseURL == "" {
		return nil, fmt.Errorf("relative download url %q without a base url", rawURL)
	}
	base, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(u), nil
}

// fileName picks a safe base name inside the download dir.
func fileName(requested string, u *url.URL) string {
	name := filepath.Base(filepath.Clean("/" + requested))
	if requested == "" || name == "/" || name == "." {
		name = path.Base(u.Path)
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "/" || name == "." || name == ".." {
		return "download"
	}
	return name
}

// Package upload streams files to the remote processor's upload endpoint.
//
// An upload is a multipart POST whose response is a stream of
// newline-delimited Update messages. Each complete line is handed to the same
// inbound pipeline that handles websocket messages, as soon as it arrives.
//
// At most one upload runs per upload id. A second Start with an id that is
// still in flight is rejected. The id is released on every exit path.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

const (
	// HeaderToken carries the session token.
	HeaderToken = "Sync-Client-Token"
	// HeaderHandler carries the name of the event handling the upload.
	HeaderHandler = "Sync-Event-Handler"
	// FormField is the multipart field every file is sent under.
	FormField = "files"

	maxErrorBody = 4096
	readChunk    = 32 * 1024
)

// TokenSource supplies the session token.
type TokenSource interface {
	Token() string
}

// Deliver feeds one response line into the inbound pipeline.
type Deliver func(ctx context.Context, line []byte) error

// Progress reports how much of an upload's file content has been sent.
type Progress struct {
	UploadID string
	Loaded   int64
	Total    int64
}

// Fraction returns Loaded/Total, or 1 for empty uploads.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Loaded) / float64(p.Total)
}

// Request describes one upload.
type Request struct {
	Handler    string
	Files      []string
	UploadID   string
	OnProgress func(Progress)
}

// Result is reported once per started upload.
type Result struct {
	UploadID string
	Lines    int
	Err      error
}

// Config configures a Streamer.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
	Tokens     TokenSource
	Deliver    Deliver
	OnDone     func(Result)
	Logger     *slog.Logger
}

type session struct {
	cancel context.CancelFunc
}

// Streamer runs uploads.
type Streamer struct {
	endpoint string
	http     *http.Client
	tokens   TokenSource
	deliver  Deliver
	onDone   func(Result)
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New returns a Streamer. Uploads are long-lived, so the default HTTP client
// has no timeout.
func New(cfg Config) *Streamer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Streamer{
		endpoint: cfg.Endpoint,
		http:     cfg.HTTPClient,
		tokens:   cfg.Tokens,
		deliver:  cfg.Deliver,
		onDone:   cfg.OnDone,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// Start begins an upload in the background. It returns false without doing
// anything when there are no files or an upload with the same id is still
// running.
func (s *Streamer) Start(ctx context.Context, req Request) bool {
	if len(req.Files) == 0 {
		return false
	}

	s.mu.Lock()
	if _, busy := s.sessions[req.UploadID]; busy {
		s.mu.Unlock()
		s.logger.Info("upload already in progress", "upload_id", req.UploadID)
		return false
	}
	upCtx, cancel := context.WithCancel(ctx)
	s.sessions[req.UploadID] = &session{cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(req.UploadID)
		defer cancel()

		lines, err := s.run(upCtx, req)
		if err != nil {
			s.logError(err)
		}
		if s.onDone != nil {
			s.onDone(Result{UploadID: req.UploadID, Lines: lines, Err: err})
		}
	}()
	return true
}

// Cancel aborts the upload with the given id. It reports whether one was
// running.
func (s *Streamer) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.cancel()
	}
	return ok
}

// Active reports whether an upload with the given id is running.
func (s *Streamer) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Wait blocks until every started upload finished.
func (s *Streamer) Wait() {
	s.wg.Wait()
}

func (s *Streamer) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Streamer) run(ctx context.Context, req Request) (int, error) {
	total, err := totalSize(req.Files)
	if err != nil {
		return 0, &Error{Kind: KindRequest, UploadID: req.UploadID, Err: err}
	}

	body, contentType := s.multipartBody(req, total)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		body.CloseWithError(err)
		return 0, &Error{Kind: KindRequest, UploadID: req.UploadID, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(HeaderHandler, req.Handler)
	if s.tokens != nil {
		httpReq.Header.Set(HeaderToken, s.tokens.Token())
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) {
			// A file failed while the body was being written.
			return 0, ue
		}
		return 0, &Error{Kind: KindNoResponse, UploadID: req.UploadID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, &Error{Kind: KindStatus, UploadID: req.UploadID, Status: resp.StatusCode, Body: string(data)}
	}

	return s.stream(ctx, req.UploadID, resp.Body)
}

// stream reads the response incrementally and delivers each complete line.
func (s *Streamer) stream(ctx context.Context, id string, r io.Reader) (int, error) {
	var cur lineCursor
	delivered := 0
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range cur.feed(buf[:n]) {
				if derr := s.deliver(ctx, line); derr != nil {
					s.logger.Debug("skipping upload response line", "upload_id", id, "error", derr)
					continue
				}
				delivered++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return delivered, &Error{Kind: KindNoResponse, UploadID: id, Err: fmt.Errorf("read response: %w", err)}
		}
	}

	if line := cur.rest(); line != nil {
		if err := s.deliver(ctx, line); err != nil {
			s.logger.Warn("failed to process upload response line", "upload_id", id, "error", err)
		} else {
			delivered++
		}
	}
	return delivered, nil
}

// multipartBody streams the files through a pipe so large files are never
// held in memory.
func (s *Streamer) multipartBody(req Request, total int64) (*io.PipeReader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var loaded int64
		report := func(n int64) {
			loaded += n
			if req.OnProgress != nil {
				req.OnProgress(Progress{UploadID: req.UploadID, Loaded: loaded, Total: total})
			}
		}
		for _, path := range req.Files {
			if err := writeFilePart(mw, path, report); err != nil {
				pw.CloseWithError(&Error{Kind: KindRequest, UploadID: req.UploadID, Err: err})
				return
			}
		}
		if err := mw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	return pr, mw.FormDataContentType()
}

func writeFilePart(mw *multipart.Writer, path string, report func(int64)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(FormField, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create part for %s: %w", path, err)
	}

	buf := make([]byte, readChunk)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := part.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", path, werr)
			}
			report(int64(n))
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", path, rerr)
		}
	}
}

func totalSize(paths []string) (int64, error) {
	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			return 0, fmt.Errorf("%s is a directory", path)
		}
		total += info.Size()
	}
	return total, nil
}

func (s *Streamer) logError(err error) {
	var ue *Error
	if !errors.As(err, &ue) {
		s.logger.Error("upload failed", "error", err)
		return
	}
	switch ue.Kind {
	case KindStatus:
		s.logger.Error("upload rejected by server",
			"upload_id", ue.UploadID, "status", ue.Status, "body", ue.Body)
	case KindNoResponse:
		if errors.Is(ue.Err, context.Canceled) {
			s.logger.Info("upload cancelled", "upload_id", ue.UploadID)
			return
		}
		s.logger.Error("upload got no response", "upload_id", ue.UploadID, "endpoint", s.endpoint, "error", ue.Err)
	default:
		s.logger.Error("upload request failed", "upload_id", ue.UploadID, "error", ue.Err)
	}
}

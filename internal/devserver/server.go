// Package devserver is a small remote processor for local development and
// integration tests. It speaks the same websocket and upload protocol as a
// real backend but only understands a handful of conventional event names.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// Paths served.
const (
	EventPath  = "/_event"
	UploadPath = "/_upload"
)

// Server serves the event websocket and the upload endpoint.
type Server struct {
	proc   *Processor
	logger *slog.Logger
	router *mux.Router
}

// New returns a Server answering with proc.
func New(proc *Processor, logger *slog.Logger) *Server {
	if proc == nil {
		proc = &Processor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{proc: proc, logger: logger}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path(EventPath).HandlerFunc(s.events)
	r.Methods(http.MethodPost).Path(UploadPath).HandlerFunc(s.upload)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Processor returns the event processor.
func (s *Server) Processor() *Processor {
	return s.proc
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("dev server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) events(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("event connection ended", "err", err)
			}
			return
		}
		ev, err := wire.DecodeEvent(raw)
		if err != nil {
			s.logger.Warn("dropping malformed event", "err", err)
			continue
		}
		for _, u := range s.proc.Process(ev) {
			data, err := wire.EncodeUpdate(u)
			if err != nil {
				s.logger.Error("failed to encode update", "event", ev.Name, "err", err)
				break
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("failed to write update", "err", err)
				return
			}
		}
	}
}

// upload answers each received file with one update line.
func (s *Server) upload(writer http.ResponseWriter, request *http.Request) {
	handler := request.Header.Get(upload.HeaderHandler)
	if request.Header.Get(upload.HeaderToken) == "" || handler == "" {
		http.Error(writer, "missing token or handler header", http.StatusBadRequest)
		return
	}
	mr, err := request.MultipartReader()
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	s.proc.record(wire.NewEvent(handler, nil))

	substate := wire.NewEvent(handler, nil).Substate()
	if substate == "" {
		substate = handler
	}
	writer.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := writer.(http.Flusher)

	// Each line lags one file behind so that only the last one is final.
	var pending *wire.Update
	emit := func(u wire.Update) bool {
		data, err := wire.EncodeUpdate(u)
		if err != nil {
			return false
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	count := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn("upload read failed", "err", err)
			return
		}
		if part.FormName() != upload.FormField {
			part.Close()
			continue
		}
		n, err := io.Copy(io.Discard, part)
		part.Close()
		if err != nil {
			s.logger.Warn("upload read failed", "err", err)
			return
		}
		count++

		if pending != nil && !emit(*pending) {
			return
		}
		u := wire.Update{Delta: wire.Delta{substate: {
			"last_file": part.FileName(),
			"bytes":     n,
			"count":     count,
		}}}
		pending = &u
	}

	if pending == nil {
		emit(final(wire.Delta{}, nil))
		return
	}
	pending.Final = true
	emit(*pending)
}

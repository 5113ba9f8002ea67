package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) deliver(_ context.Context, line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, string(line))
	return nil
}

func (r *lineRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStreamer_StreamsResponseLines(t *testing.T) {
	var gotToken, gotHandler string
	var gotFiles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(HeaderToken)
		gotHandler = r.Header.Get(HeaderHandler)

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, fh := range r.MultipartForm.File[FormField] {
			f, err := fh.Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data, _ := io.ReadAll(f)
			f.Close()
			gotFiles = append(gotFiles, fh.Filename+"="+string(data))
		}

		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, `{"delta":{"a":{"x":1}},"final":false}`+"\n"+`{"delta":`)
		flusher.Flush()
		time.Sleep(10 * time.Millisecond)
		_, _ = io.WriteString(w, `{"a":{"y":2}},"final":true}`+"\n")
	}))
	defer srv.Close()

	rec := &lineRecorder{}
	var result Result
	s := New(Config{
		Endpoint: srv.URL,
		Tokens:   staticToken("tok-1"),
		Deliver:  rec.deliver,
		OnDone:   func(r Result) { result = r },
	})

	ok := s.Start(context.Background(), Request{
		Handler:  "app.handle_upload",
		Files:    []string{writeTempFile(t, "a.txt", "hello"), writeTempFile(t, "b.txt", "world")},
		UploadID: "up-1",
	})
	require.True(t, ok)
	s.Wait()

	assert.Equal(t, "tok-1", gotToken)
	assert.Equal(t, "app.handle_upload", gotHandler)
	assert.Equal(t, []string{"a.txt=hello", "b.txt=world"}, gotFiles)
	assert.Equal(t, []string{
		`{"delta":{"a":{"x":1}},"final":false}`,
		`{"delta":{"a":{"y":2}},"final":true}`,
	}, rec.get())
	assert.NoError(t, result.Err)
	assert.Equal(t, 2, result.Lines)
	assert.False(t, s.Active("up-1"))
}

func TestStreamer_RejectsEmptyFiles(t *testing.T) {
	s := New(Config{Endpoint: "http://127.0.0.1:1", Deliver: (&lineRecorder{}).deliver})
	assert.False(t, s.Start(context.Background(), Request{Handler: "h", UploadID: "x"}))
	assert.False(t, s.Active("x"))
}

func TestStreamer_DuplicateIDRejected(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-release
		_, _ = io.WriteString(w, `{"delta":{},"final":true}`+"\n")
	}))
	defer srv.Close()

	rec := &lineRecorder{}
	s := New(Config{Endpoint: srv.URL, Deliver: rec.deliver})
	file := writeTempFile(t, "a.txt", "data")

	require.True(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{file}, UploadID: "same"}))
	assert.False(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{file}, UploadID: "same"}))
	assert.True(t, s.Active("same"), "first session must be undisturbed")

	close(release)
	s.Wait()
	assert.False(t, s.Active("same"))
	assert.Len(t, rec.get(), 1)

	// The id is free again.
	require.True(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{file}, UploadID: "same"}))
	s.Wait()
	assert.Len(t, rec.get(), 2)
}

func TestStreamer_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "no such handler", http.StatusNotFound)
	}))
	defer srv.Close()

	var result Result
	s := New(Config{Endpoint: srv.URL, Deliver: (&lineRecorder{}).deliver, OnDone: func(r Result) { result = r }})
	require.True(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{writeTempFile(t, "a", "x")}, UploadID: "u"}))
	s.Wait()

	require.Error(t, result.Err)
	assert.Equal(t, KindStatus, KindOf(result.Err))
	var ue *Error
	require.ErrorAs(t, result.Err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.Status)
	assert.Contains(t, ue.Body, "no such handler")
	assert.False(t, s.Active("u"))
}

func TestStreamer_NoResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	var result Result
	s := New(Config{Endpoint: url, Deliver: (&lineRecorder{}).deliver, OnDone: func(r Result) { result = r }})
	require.True(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{writeTempFile(t, "a", "x")}, UploadID: "u"}))
	s.Wait()

	assert.Equal(t, KindNoResponse, KindOf(result.Err))
	assert.False(t, s.Active("u"))
}

func TestStreamer_MissingFileIsRequestError(t *testing.T) {
	var result Result
	s := New(Config{Endpoint: "http://127.0.0.1:1", Deliver: (&lineRecorder{}).deliver, OnDone: func(r Result) { result = r }})
	require.True(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{filepath.Join(t.TempDir(), "missing")}, UploadID: "u"}))
	s.Wait()

	assert.Equal(t, KindRequest, KindOf(result.Err))
	assert.False(t, s.Active("u"))
}

func TestStreamer_Cancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	var result Result
	s := New(Config{Endpoint: srv.URL, Deliver: (&lineRecorder{}).deliver, OnDone: func(r Result) { result = r }})
	require.True(t, s.Start(context.Background(), Request{Handler: "h", Files: []string{writeTempFile(t, "a", "x")}, UploadID: "u"}))

	<-started
	assert.True(t, s.Cancel("u"))
	s.Wait()

	assert.Equal(t, KindNoResponse, KindOf(result.Err))
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.False(t, s.Cancel("u"))
}

func TestStreamer_ReportsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var reports []Progress
	s := New(Config{Endpoint: srv.URL, Deliver: (&lineRecorder{}).deliver})
	require.True(t, s.Start(context.Background(), Request{
		Handler:  "h",
		Files:    []string{writeTempFile(t, "a", "12345"), writeTempFile(t, "b", "678")},
		UploadID: "u",
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, p)
		},
	}))
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, int64(8), last.Total)
	assert.Equal(t, int64(8), last.Loaded)
	assert.Equal(t, 1.0, last.Fraction())
}

func TestStreamer_BadLineLogLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "bad-middle\n"+`{"final":true}`+"\nbad-tail")
	}))
	defer srv.Close()

	var logs bytes.Buffer
	var result Result
	s := New(Config{
		Endpoint: srv.URL,
		Tokens:   staticToken("tok-1"),
		Deliver: func(_ context.Context, line []byte) error {
			if bytes.HasPrefix(line, []byte("bad")) {
				return errors.New("malformed line")
			}
			return nil
		},
		OnDone: func(r Result) { result = r },
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	require.True(t, s.Start(context.Background(), Request{
		Handler:  "app.handle_upload",
		Files:    []string{writeTempFile(t, "a.txt", "hello")},
		UploadID: "up-log",
	}))
	s.Wait()

	assert.Equal(t, 1, result.Lines)
	var middle, tail string
	for _, line := range strings.Split(logs.String(), "\n") {
		switch {
		case strings.Contains(line, "skipping upload response line"):
			middle = line
		case strings.Contains(line, "failed to process upload response line"):
			tail = line
		}
	}
	assert.Contains(t, middle, "level=DEBUG")
	assert.Contains(t, tail, "level=WARN")
}

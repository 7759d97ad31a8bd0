package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlhttp "github.com/DavideF99/Multithread-file-downloader/internal/http"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/DavideF99/Multithread-file-downloader/internal/progress"
)

func quietCtx() context.Context {
	return logctx.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// testPayload is position-sensitive so duplicated or missing ranges
// change the bytes, not just the length.
func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}

	return p
}

func newTestDownloader(t *testing.T, opts Options) (*Downloader, *progress.Store, string) {
	t.Helper()

	dir := t.TempDir()
	store := progress.NewStore(filepath.Join(dir, ".progress"))

	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 5 * time.Millisecond
	}

	return New(dlhttp.NewClient(dlhttp.DefaultOptions()), store, opts), store, dir
}

// rangeLog records the Range header of every request, in order. Its
// length doubles as the request count.
type rangeLog struct {
	mu     sync.Mutex
	ranges []string
}

func (l *rangeLog) observe(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ranges = append(l.ranges, r.Header.Get("Range"))
}

func (l *rangeLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ranges...)
}

func TestDownload_FreshWritesFileAndRecord(t *testing.T) {
	payload := testPayload(4096)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{})
	dest := filepath.Join(dir, "nested", "deep", "data.bin")

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest, ExpectedSize: int64(len(payload))})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, []string{""}, log.seen(), "fresh download sends no range header")

	// The record survives completion; cleanup belongs to the caller
	// after digest verification.
	rec := store.Load(quietCtx(), dest)
	require.NotNil(t, rec)
	assert.Equal(t, progress.StatusComplete, rec.Status)
	assert.Equal(t, int64(len(payload)), rec.DownloadedBytes)
	total, ok := rec.Total()
	require.True(t, ok)
	assert.Equal(t, int64(len(payload)), total)
}

func TestDownload_ResumesAfterInterruption(t *testing.T) {
	payload := testPayload(8192)
	const cut = 5000

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)

		if len(log.seen()) == 1 {
			// Serve the declared length but cut the connection after
			// cut bytes, exactly like a dropped transfer.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("server does not support hijacking")
				return
			}

			conn, buf, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			defer conn.Close()

			fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(payload))
			_, _ = buf.Write(payload[:cut])
			_ = buf.Flush()

			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(payload)-cut))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[cut:])
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{CheckpointBytes: 1024})
	dest := filepath.Join(dir, "data.bin")

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest, ExpectedSize: int64(len(payload))})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "resumed file must be byte-identical to an uninterrupted run")

	assert.Equal(t, []string{"", fmt.Sprintf("bytes=%d-", cut)}, log.seen(),
		"second attempt must resume exactly where the stream broke")

	rec := store.Load(quietCtx(), dest)
	require.NotNil(t, rec)
	assert.Equal(t, progress.StatusComplete, rec.Status)
}

func TestDownload_ServerIgnoresRangeRestartsClean(t *testing.T) {
	payload := testPayload(1000)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		// Range support withdrawn: full body with 200 regardless.
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{})
	dest := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(dest, payload[:500], 0o644))
	seed := &progress.State{
		URL:             srv.URL,
		Destination:     dest,
		DownloadedBytes: 500,
		Status:          progress.StatusInProgress,
	}
	seed.SetTotal(int64(len(payload)))
	require.NoError(t, store.Save(quietCtx(), dest, seed))

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "restart must truncate, not append to the partial")

	assert.Equal(t, []string{"bytes=500-"}, log.seen(), "the resume was requested, the server declined it")
}

func TestDownload_RangeNotSatisfiableCompletesFromDisk(t *testing.T) {
	payload := testPayload(1000)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{})
	dest := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(dest, payload, 0o644))
	seed := &progress.State{
		URL:             srv.URL,
		Destination:     dest,
		DownloadedBytes: int64(len(payload)),
		Status:          progress.StatusInProgress,
	}
	seed.SetTotal(int64(len(payload)))
	require.NoError(t, store.Save(quietCtx(), dest, seed))

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest})
	require.NoError(t, err)

	assert.Equal(t, []string{"bytes=1000-"}, log.seen(), "completion confirmed with a single round trip and no body")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	rec := store.Load(quietCtx(), dest)
	require.NotNil(t, rec)
	assert.Equal(t, progress.StatusComplete, rec.Status)
}

func TestDownload_RangeNotSatisfiableWithShortFileIsFatal(t *testing.T) {
	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{MaxRetries: 3})
	dest := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(dest, testPayload(800), 0o644))
	seed := &progress.State{
		URL:             srv.URL,
		Destination:     dest,
		DownloadedBytes: 800,
		Status:          progress.StatusInProgress,
	}
	seed.SetTotal(2000)
	require.NoError(t, store.Save(quietCtx(), dest, seed))

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest})

	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(2000), mismatch.Expected)
	assert.Equal(t, int64(800), mismatch.Actual)
	assert.Len(t, log.seen(), 1, "a fatal inconsistency is not retried")
}

func TestDownload_DivergentRecordRestartsFromScratch(t *testing.T) {
	payload := testPayload(2000)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{})
	dest := filepath.Join(dir, "data.bin")

	// Record claims more bytes than the file holds.
	require.NoError(t, os.WriteFile(dest, bytes.Repeat([]byte{0xFF}, 3000), 0o644))
	require.NoError(t, store.Save(quietCtx(), dest, &progress.State{
		URL:             srv.URL,
		Destination:     dest,
		DownloadedBytes: 5000,
		Status:          progress.StatusInProgress,
	}))

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "stale partial must be fully replaced")

	assert.Equal(t, []string{""}, log.seen(), "divergent state downgrades to a fresh download")
}

func TestDownload_RecordForDifferentURLRestarts(t *testing.T) {
	payload := testPayload(1500)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d, store, dir := newTestDownloader(t, Options{})
	dest := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(dest, payload[:700], 0o644))
	require.NoError(t, store.Save(quietCtx(), dest, &progress.State{
		URL:             "http://other.example/data.bin",
		Destination:     dest,
		DownloadedBytes: 700,
		Status:          progress.StatusInProgress,
	}))

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest})
	require.NoError(t, err)

	assert.Equal(t, []string{""}, log.seen(), "a record for another URL must not be resumed")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_FatalStatusesFailFast(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		wantMsg string
	}{
		{
			name:    "not found",
			status:  http.StatusNotFound,
			wantErr: dlhttp.ErrNotFound,
			wantMsg: "URL not found (404)",
		},
		{
			name:    "forbidden",
			status:  http.StatusForbidden,
			wantErr: dlhttp.ErrForbidden,
			wantMsg: "access forbidden (403)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log rangeLog
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				log.observe(r)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d, _, dir := newTestDownloader(t, Options{MaxRetries: 3})

			err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: filepath.Join(dir, "data.bin")})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Contains(t, err.Error(), srv.URL)
			assert.Len(t, log.seen(), 1, "fatal statuses must not burn retry attempts")
		})
	}
}

func TestDownload_RetriesServerErrorsThenSucceeds(t *testing.T) {
	payload := testPayload(512)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)

		if len(log.seen()) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d, _, dir := newTestDownloader(t, Options{MaxRetries: 3})
	dest := filepath.Join(dir, "data.bin")

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: dest})
	require.NoError(t, err)
	assert.Len(t, log.seen(), 3)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_ExhaustsRetries(t *testing.T) {
	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _, dir := newTestDownloader(t, Options{MaxRetries: 2})

	err := d.Download(quietCtx(), Task{URL: srv.URL, Destination: filepath.Join(dir, "data.bin")})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, fmt.Sprintf("failed to download %s after 2 attempts", srv.URL), err.Error())
	assert.ErrorIs(t, err, dlhttp.ErrServerError, "the last transient cause stays reachable")
	assert.Len(t, log.seen(), 2)
}

func TestDownload_DeclaredSizeMismatchIsFatal(t *testing.T) {
	payload := testPayload(20)

	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d, _, dir := newTestDownloader(t, Options{MaxRetries: 3})

	err := d.Download(quietCtx(), Task{
		URL:          srv.URL,
		Destination:  filepath.Join(dir, "data.bin"),
		ExpectedSize: 10,
	})

	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(10), mismatch.Expected)
	assert.Equal(t, int64(20), mismatch.Actual)
	assert.Len(t, log.seen(), 1, "size mismatches are never retried")
}

func TestDownload_CanceledContextIsFatal(t *testing.T) {
	var log rangeLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.observe(r)
	}))
	defer srv.Close()

	d, _, dir := newTestDownloader(t, Options{MaxRetries: 3})

	ctx, cancel := context.WithCancel(quietCtx())
	cancel()

	err := d.Download(ctx, Task{URL: srv.URL, Destination: filepath.Join(dir, "data.bin")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log.seen(), "a canceled run must not hit the network")
}

package rest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DavideF99/Multithread-file-downloader/internal/downloader"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/DavideF99/Multithread-file-downloader/internal/progress"
)

// mockActiveSource implements ActiveSource for testing.
type mockActiveSource struct {
	tasks []downloader.ActiveTask
}

func (m *mockActiveSource) Active() []downloader.ActiveTask {
	return m.tasks
}

func newStatusRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return req.WithContext(logctx.WithLogger(req.Context(), logger))
}

func TestStatusHandler_Progress(t *testing.T) {
	store := progress.NewStore(t.TempDir())
	ctx := newStatusRequest(http.MethodGet, "/v1/progress").Context()

	for _, dest := range []string{"/data/mnist/train.gz", "/data/mnist/test.gz"} {
		err := store.Save(ctx, dest, &progress.State{
			URL:             "https://example.com" + dest,
			Destination:     dest,
			DownloadedBytes: 128,
			Status:          progress.StatusInProgress,
			LastUpdated:     time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	handler := NewStatusHandler(store, nil, nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, newStatusRequest(http.MethodGet, "/v1/progress"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.Records, 2)

	destinations := make(map[string]bool)
	for _, record := range resp.Records {
		destinations[record.Destination] = true
		require.Equal(t, progress.StatusInProgress, record.Status)
		require.Equal(t, int64(128), record.DownloadedBytes)
	}

	require.True(t, destinations["/data/mnist/train.gz"])
	require.True(t, destinations["/data/mnist/test.gz"])
}

func TestStatusHandler_ProgressEmptyStore(t *testing.T) {
	handler := NewStatusHandler(progress.NewStore(filepath.Join(t.TempDir(), "never-created")), nil, nil)

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, newStatusRequest(http.MethodGet, "/v1/progress"))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Count)
	require.NotNil(t, resp.Records)
	require.Empty(t, resp.Records)
}

func TestStatusHandler_ProgressStoreFailure(t *testing.T) {
	// A store rooted under a regular file cannot be walked.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	handler := NewStatusHandler(progress.NewStore(filepath.Join(blocker, "records")), nil, nil)

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, newStatusRequest(http.MethodGet, "/v1/progress"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "failed to list progress records", resp.Error)
}

func TestStatusHandler_Active(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	source := &mockActiveSource{tasks: []downloader.ActiveTask{
		{TaskID: "glue/dev.tsv", URL: "https://example.com/dev.tsv", Destination: "/data/glue/dev.tsv", StartedAt: started},
		{TaskID: "glue/train.tsv", URL: "https://example.com/train.tsv", Destination: "/data/glue/train.tsv", StartedAt: started},
	}}

	handler := NewStatusHandler(progress.NewStore(t.TempDir()), source, nil)

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, newStatusRequest(http.MethodGet, "/v1/active"))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp activeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.Tasks, 2)
	require.Equal(t, "glue/dev.tsv", resp.Tasks[0].TaskID)
	require.Equal(t, "https://example.com/dev.tsv", resp.Tasks[0].URL)
	require.True(t, resp.Tasks[0].StartedAt.Equal(started))
}

func TestStatusHandler_ActiveWithoutSource(t *testing.T) {
	handler := NewStatusHandler(progress.NewStore(t.TempDir()), nil, nil)

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, newStatusRequest(http.MethodGet, "/v1/active"))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp activeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Count)
	require.Empty(t, resp.Tasks)
}

func TestStatusHandler_Healthz(t *testing.T) {
	handler := NewStatusHandler(progress.NewStore(t.TempDir()), nil, nil)

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, newStatusRequest(http.MethodGet, "/healthz"))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}

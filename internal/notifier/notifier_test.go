package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWebhook_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := Event{
		Kind:    KindDatasetComplete,
		Dataset: "mnist",
		Path:    "/data/mnist",
		Elapsed: 1500 * time.Millisecond,
	}

	err := NewWebhook(srv.URL).Notify(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "✅ Dataset mnist downloaded to /data/mnist in 1.5s", got["content"])
}

func TestWebhook_NotifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), Event{Kind: KindRunComplete})
	require.Error(t, err)
	require.Contains(t, err.Error(), "webhook failed with status 500")
}

func TestWebhook_NotifyMissingURL(t *testing.T) {
	err := NewWebhook("").Notify(context.Background(), Event{Kind: KindDatasetFailed})
	require.Error(t, err)
	require.Contains(t, err.Error(), "webhook URL is not set")
}

func TestWebhook_NotifyHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewWebhook(srv.URL).Notify(ctx, Event{Kind: KindDatasetComplete, Dataset: "slow"})
	require.Error(t, err)
}

func TestEvent_Message(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "dataset failure carries the error",
			event: Event{Kind: KindDatasetFailed, Dataset: "glue", Err: "2 files failed to download"},
			want:  "❌ Dataset glue failed: 2 files failed to download",
		},
		{
			name:  "run summary counts outcomes",
			event: Event{Kind: KindRunComplete, Succeeded: 3, Failed: 1, Elapsed: 2 * time.Minute},
			want:  "🏁 Run finished: 3 succeeded, 1 failed in 2m0s",
		},
		{
			name:  "unknown kind falls back to kind and dataset",
			event: Event{Kind: "paused", Dataset: "cifar10"},
			want:  "paused: cifar10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.event.Message())
		})
	}
}

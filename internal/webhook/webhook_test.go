package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunegate/tunegate/internal/retry"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://192.168.1.1/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (metadata endpoint)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// newTestNotifier accepts loopback targets so httptest servers can receive deliveries.
func newTestNotifier() *Notifier {
	n := New(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	n.validate = func(string) error { return nil }
	return n
}

func TestSend_DeliversPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newTestNotifier()
	url := "https://cdn.example/a.mp3"
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1", Status: "completed", AudioURL: &url})
	n.Wait()

	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.AudioURL)
	assert.Equal(t, url, *got.AudioURL)
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier()
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1", Status: "failed"})
	n.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	n := newTestNotifier()
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1", Status: "failed"})
	n.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_RejectedURLIsNotContacted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := New(retry.Policy{})
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1"})
	n.Wait()
	assert.Zero(t, calls.Load(), "loopback targets are blocked")
}

func TestDeliveryError_Transient(t *testing.T) {
	assert.True(t, (&deliveryError{}).Transient())
	assert.True(t, (&deliveryError{status: 502}).Transient())
	assert.True(t, (&deliveryError{status: 429}).Transient())
	assert.False(t, (&deliveryError{status: 404}).Transient())
}

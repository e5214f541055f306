package downstream

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
)

func TestDeliver_Success(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotBody.Store(req.EventID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, time.Second)
	require.NoError(t, d.Deliver(context.Background(), "e1"))
	assert.Equal(t, "e1", gotBody.Load())
}

func TestDeliver_SuccessIsExactly200(t *testing.T) {
	cases := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusCreated, true},
		{http.StatusAccepted, true},
		{http.StatusNoContent, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		d := NewHTTPDeliverer(srv.URL, time.Second)
		err := d.Deliver(context.Background(), "e1")
		if tc.wantErr {
			assert.Error(t, err, "status %d", tc.status)
		} else {
			assert.NoError(t, err, "status %d", tc.status)
		}
		srv.Close()
	}
}

func TestDeliver_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, 20*time.Millisecond)
	assert.Error(t, d.Deliver(context.Background(), "e1"))
}

func TestDeliver_ConnectionRefused(t *testing.T) {
	d := NewHTTPDeliverer("http://127.0.0.1:1", 100*time.Millisecond)
	assert.Error(t, d.Deliver(context.Background(), "e1"))
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)

	assert.True(t, cb.Allow())
	cb.Failure()
	cb.Failure()
	assert.True(t, cb.Allow(), "still closed below threshold")
	cb.Failure()
	assert.False(t, cb.Allow(), "open after threshold failures")

	// After the reset timeout one probe is admitted.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.True(t, cb.Allow(), "closed again after a successful probe")
}

func TestDeliver_CircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, time.Second)
	for i := 0; i < 10; i++ {
		_ = d.Deliver(context.Background(), "e1")
	}
	err := d.Deliver(context.Background(), "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

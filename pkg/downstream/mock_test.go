package downstream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockServer_AlwaysSucceeds(t *testing.T) {
	srv := httptest.NewServer(NewMockServer(0, 1, nil).Handler())
	defer srv.Close()

	for i := 0; i < 20; i++ {
		resp, err := http.Post(srv.URL+"/third_party/mock", "application/json",
			strings.NewReader(`{"event_id":"e1"}`))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestMockServer_AlwaysFailsWithReal500(t *testing.T) {
	srv := httptest.NewServer(NewMockServer(1, 1, nil).Handler())
	defer srv.Close()

	for i := 0; i < 20; i++ {
		resp, err := http.Post(srv.URL+"/third_party/mock", "application/json",
			strings.NewReader(`{"event_id":"e1"}`))
		require.NoError(t, err)
		_ = resp.Body.Close()
		// Failure must be an actual 500 status, not a 200 with an error body.
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
}

func TestMockServer_BadBody(t *testing.T) {
	srv := httptest.NewServer(NewMockServer(0, 1, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/third_party/mock", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMockServer_DeliveryRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewMockServer(0, 1, nil).Handler())
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL+"/third_party/mock", time.Second)
	assert.NoError(t, d.Deliver(t.Context(), "e1"))
}

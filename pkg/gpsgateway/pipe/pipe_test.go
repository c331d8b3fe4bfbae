package pipe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsConfigField(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	packet := observer.Packet{}
	packet.SetUID("dev1")
	err := c.Send(context.Background(), []observer.Packet{packet})

	require.NoError(t, err)
	assert.Contains(t, gotBody, "config=")
}

func TestCloseTaskPostsIDAction(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient("", srv.URL)
	err := c.CloseTask(context.Background(), "task-123", nil)

	require.NoError(t, err)
	assert.Contains(t, gotBody, "id_action=task-123")
}

func TestNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	err := c.Send(context.Background(), []observer.Packet{{}})
	assert.Error(t, err)
}

func TestNoEndpointConfiguredIsFailure(t *testing.T) {
	c := NewHTTPClient("", "")
	err := c.Send(context.Background(), []observer.Packet{{}})
	assert.Error(t, err)
}

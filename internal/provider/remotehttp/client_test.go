package remotehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/provider"
)

func TestStart_PostsAndReturnsJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generations", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req startRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "veo-3", req.Model)

		json.NewEncoder(w).Encode(startResponse{JobID: "pj-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", WithRateLimit(1000))
	id, err := c.Start(context.Background(), provider.Input{ModelKey: "veo-3", Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "pj-1", id)
}

func TestPoll_MapsStatuses(t *testing.T) {
	status := "pending"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pollResponse{Status: status, OutputRef: "ref-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", WithRateLimit(1000))

	res, err := c.Poll(context.Background(), "pj-1")
	require.NoError(t, err)
	assert.Equal(t, provider.PollPending, res.Status)

	status = "done"
	res, err = c.Poll(context.Background(), "pj-1")
	require.NoError(t, err)
	assert.Equal(t, provider.PollDone, res.Status)
	assert.Equal(t, "ref-1", res.OutputRef)

	status = "failed"
	res, err = c.Poll(context.Background(), "pj-1")
	require.NoError(t, err)
	assert.Equal(t, provider.PollFailed, res.Status)
}

func TestDo_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", WithRateLimit(1000))
	_, err := c.Start(context.Background(), provider.Input{ModelKey: "veo-3", Prompt: "x"})
	assert.Error(t, err)
}

func TestCancel_PostsToCancel(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", WithRateLimit(1000))
	require.NoError(t, c.Cancel(context.Background(), "pj-1"))
	assert.Equal(t, "/v1/generations/pj-1/cancel", gotPath)
}

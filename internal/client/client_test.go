package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodul/planchette/internal/api"
)

func TestAskStreamsEvents(t *testing.T) {
	var got api.AskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ask", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(api.CrisisHeader, "true")
		fmt.Fprint(w, "data: {\"token\":\"YES\"}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, "data: {\"token\":\".\"}\n\n")
		fmt.Fprint(w, "data: {\"done\":true,\"perf\":{\"tokens\":2,\"history_limit\":80}}\n\n")
		fmt.Fprint(w, "data: {\"token\":\"ignored\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	history := []api.Turn{{Role: api.RoleUser, Content: "hi"}, {Role: api.RoleAssistant, Content: "HELLO"}}
	s, err := c.Ask(context.Background(), "Is it?", history)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Crisis)
	assert.Equal(t, "Is it?", got.Question)
	assert.Equal(t, history, got.History)

	var tokens []string
	var last api.Event
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ev.Done {
			last = ev
			continue
		}
		tokens = append(tokens, ev.Token)
	}
	assert.Equal(t, []string{"YES", "."}, tokens)
	require.NotNil(t, last.Perf)
	assert.Equal(t, 2, last.Perf.Tokens)
	assert.Equal(t, 80, last.Perf.HistoryLimit)
}

func TestAskEOFWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"token\":\"NO\"}\n\n")
	}))
	defer srv.Close()

	s, err := New(srv.URL).Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Crisis)

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "NO", ev.Token)
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAskStructuredError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		ctype  string
		want   APIError
	}{
		{"bad request", http.StatusBadRequest, `{"error":"No question provided"}`, "application/json", APIError{400, "No question provided"}},
		{"json on 200", http.StatusOK, `{"error":"Model not ready"}`, "application/json; charset=utf-8", APIError{200, "Model not ready"}},
		{"plain 502", http.StatusBadGateway, "upstream down", "text/plain", APIError{502, "Bad Gateway"}},
		{"json without message", http.StatusServiceUnavailable, `{}`, "application/json", APIError{503, "unknown error"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.ctype)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).Ask(context.Background(), "q", nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.want, *apiErr)
		})
	}
}

func TestAskCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"token\":\"A\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(srv.URL).Ask(ctx, "q", nil)
	require.NoError(t, err)
	defer s.Close()

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "A", ev.Token)

	cancel()
	_, err = s.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestStatusAndDownload(t *testing.T) {
	var downloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "GET /api/model/status":
			json.NewEncoder(w).Encode(api.ModelStatus{Status: api.StatusDownloading, Progress: 42.5, TotalBytes: 100, DownloadedBytes: 42})
		case "POST /api/model/download":
			downloads.Add(1)
			json.NewEncoder(w).Encode(api.ModelStatus{Status: api.StatusDownloading})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.StatusDownloading, st.Status)
	assert.InDelta(t, 42.5, st.Progress, 1e-9)
	assert.False(t, st.Settled())

	st, err = c.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.StatusDownloading, st.Status)
	assert.Equal(t, int32(1), downloads.Load())
}

func TestWaitReady(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		st := api.ModelStatus{Status: api.StatusDownloading}
		if polls.Add(1) >= 3 {
			st = api.ModelStatus{Status: api.StatusReady, Progress: 100}
		}
		json.NewEncoder(w).Encode(st)
	}))
	defer srv.Close()

	var seen []string
	st, err := New(srv.URL).WaitReady(context.Background(), time.Millisecond, func(s api.ModelStatus) {
		seen = append(seen, s.Status)
	})
	require.NoError(t, err)
	assert.True(t, st.Ready())
	assert.Equal(t, []string{api.StatusDownloading, api.StatusDownloading, api.StatusReady}, seen)
}

func TestWaitReadyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ModelStatus{Status: api.StatusError, Error: "disk full"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).WaitReady(context.Background(), time.Millisecond, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "disk full", apiErr.Message)
}

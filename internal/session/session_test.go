package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bodul/planchette/internal/api"
	"github.com/bodul/planchette/internal/board"
	"github.com/bodul/planchette/internal/client"
	"github.com/bodul/planchette/internal/effects"
	"github.com/bodul/planchette/internal/player"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeServer answers each question with the tokens its answer func returns.
type fakeServer struct {
	answer func(req api.AskRequest) (tokens []string, crisis bool, perf *api.Perf)

	mu        sync.Mutex
	asked     []api.AskRequest
	status    []string
	downloads atomic.Int32
	active    atomic.Int32
	peak      atomic.Int32
	gate      chan struct{}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method + " " + r.URL.Path {
	case "GET /api/model/status":
		f.mu.Lock()
		st := api.StatusReady
		if len(f.status) > 0 {
			st = f.status[0]
			if len(f.status) > 1 {
				f.status = f.status[1:]
			}
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ModelStatus{Status: st})
	case "POST /api/model/download":
		f.downloads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ModelStatus{Status: api.StatusDownloading})
	case "POST /api/ask":
		f.ask(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) ask(w http.ResponseWriter, r *http.Request) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var req api.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.asked = append(f.asked, req)
	first := len(f.asked) == 1
	f.mu.Unlock()

	if first && f.gate != nil {
		select {
		case <-f.gate:
		case <-r.Context().Done():
			return
		}
	}

	if req.Question == "bad" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"the spirits refuse"}`)
		return
	}
	if req.Question == "broken" {
		w.Header().Set("Content-Type", "text/event-stream")
		b, _ := json.Marshal(api.Event{Token: "HEL"})
		fmt.Fprintf(w, "data: %s\n\n", b)
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	if req.Question == "hang" {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}

	tokens, crisis, perf := f.answer(req)
	w.Header().Set("Content-Type", "text/event-stream")
	if crisis {
		w.Header().Set(api.CrisisHeader, "true")
	}
	for _, tok := range tokens {
		b, _ := json.Marshal(api.Event{Token: tok})
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	if perf != nil {
		b, _ := json.Marshal(api.Event{Done: true, Perf: perf})
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
}

func (f *fakeServer) questions() []api.AskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.AskRequest(nil), f.asked...)
}

type recorder struct {
	mu  sync.Mutex
	evs []any
}

func (r *recorder) notify(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, v)
}

func (r *recorder) failed() []Failed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Failed
	for _, v := range r.evs {
		if f, ok := v.(Failed); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) has(match func(any) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.evs {
		if match(v) {
			return true
		}
	}
	return false
}

func fastPlayer(t *testing.T) *player.Player {
	t.Helper()
	p := player.New(board.DefaultLayout(), player.Timing{Break: time.Millisecond, Dot: time.Millisecond, Move: time.Millisecond, Rest: -1}, nil)
	t.Cleanup(p.Close)
	return p
}

func newSession(t *testing.T, f *fakeServer, mutate func(*Options)) (*Session, *recorder) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	opts := Options{
		Backend:      client.New(srv.URL, client.WithHTTPClient(srv.Client())),
		Player:       fastPlayer(t),
		Notify:       rec.notify,
		PollInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, rec
}

func wait(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func echo(req api.AskRequest) ([]string, bool, *api.Perf) {
	return []string{strings.ToUpper(req.Question), "."}, false, &api.Perf{HistoryLimit: 80}
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Role)+":"+e.Text)
	}
	return out
}

func TestSessionAnswersInSubmissionOrder(t *testing.T) {
	f := &fakeServer{answer: echo, gate: make(chan struct{})}
	s, rec := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("one"))
	require.NoError(t, s.Submit("  two  "))
	require.NoError(t, s.Submit("three"))
	assert.True(t, s.Busy())
	close(f.gate)
	wait(t, s)

	assert.Equal(t, []string{
		"user:one", "user:two", "user:three",
		"spirit:ONE.", "spirit:TWO.", "spirit:THREE.",
	}, texts(s.Log().Entries()))

	asked := f.questions()
	require.Len(t, asked, 3)
	assert.Equal(t, "one", asked[0].Question)
	assert.Equal(t, "two", asked[1].Question)
	assert.Equal(t, "three", asked[2].Question)
	assert.Equal(t, int32(1), f.peak.Load(), "questions overlapped")

	assert.Empty(t, asked[0].History)
	assert.Equal(t, []api.Turn{
		{Role: api.RoleUser, Content: "one"},
		{Role: api.RoleAssistant, Content: "ONE."},
	}, asked[1].History, "queued questions stay out of the history")
	assert.Len(t, asked[2].History, 4)

	assert.False(t, s.Busy())
	assert.True(t, rec.has(func(v any) bool { return v == Busy{On: false} }))
}

func TestSessionFlushesPartialWordBeforeEntry(t *testing.T) {
	f := &fakeServer{answer: func(api.AskRequest) ([]string, bool, *api.Perf) {
		return []string{"hel"}, false, nil
	}}
	s, _ := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("who?"))
	wait(t, s)

	entries := s.Log().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "HEL.", entries[1].Text)
}

func TestSessionStructuredErrorAdvancesQueue(t *testing.T) {
	f := &fakeServer{answer: echo}
	s, rec := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("bad"))
	require.NoError(t, s.Submit("fine"))
	wait(t, s)

	assert.Equal(t, []string{"user:bad", "user:fine", "spirit:FINE."}, texts(s.Log().Entries()))
	failed := rec.failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Question)
	var apiErr *client.APIError
	require.ErrorAs(t, failed[0].Err, &apiErr)
	assert.Equal(t, "the spirits refuse", apiErr.Message)
}

func TestSessionTransportFailureMidStreamAdvancesQueue(t *testing.T) {
	f := &fakeServer{answer: echo}
	s, rec := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("broken"))
	require.NoError(t, s.Submit("after"))
	wait(t, s)

	assert.Equal(t, []string{"user:broken", "user:after", "spirit:AFTER."}, texts(s.Log().Entries()))
	assert.Empty(t, rec.failed(), "transport failures are logged only")
	assert.Len(t, f.questions(), 2)
}

func TestSessionCrisisFlagsEntry(t *testing.T) {
	f := &fakeServer{answer: func(api.AskRequest) ([]string, bool, *api.Perf) {
		return []string{"STAY", " SAFE"}, true, &api.Perf{}
	}}
	s, rec := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("help"))
	wait(t, s)

	entries := s.Log().Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Flagged)
	assert.Equal(t, "STAY SAFE.", entries[1].Text)
	assert.True(t, rec.has(func(v any) bool { return v == Crisis{Question: "help"} }))
}

func TestSessionAdoptsHistoryLimit(t *testing.T) {
	f := &fakeServer{answer: func(api.AskRequest) ([]string, bool, *api.Perf) {
		return []string{"OK"}, false, &api.Perf{HistoryLimit: 1}
	}}
	s, _ := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("a"))
	wait(t, s)
	require.NoError(t, s.Submit("b"))
	wait(t, s)

	asked := f.questions()
	require.Len(t, asked, 2)
	assert.Equal(t, []api.Turn{{Role: api.RoleAssistant, Content: "OK."}}, asked[1].History)
}

func TestSessionWaitsForModel(t *testing.T) {
	f := &fakeServer{answer: echo, status: []string{api.StatusIdle, api.StatusDownloading, api.StatusDownloading, api.StatusReady}}
	s, rec := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, int32(0), f.downloads.Load(), "an idle model is not fetched until asked")

	require.NoError(t, s.Submit("first"))
	require.NoError(t, s.Submit("second"))
	wait(t, s)

	assert.Equal(t, int32(1), f.downloads.Load())
	assert.Equal(t, []string{"user:first", "user:second", "spirit:FIRST.", "spirit:SECOND."}, texts(s.Log().Entries()))
	assert.True(t, rec.has(func(v any) bool {
		m, ok := v.(ModelState)
		return ok && m.Status.Status == api.StatusReady
	}))
}

func TestSessionModelFailureDropsQueue(t *testing.T) {
	f := &fakeServer{answer: echo, status: []string{api.StatusIdle, api.StatusError}}
	s, rec := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("anyone there?"))
	wait(t, s)

	assert.Empty(t, f.questions())
	require.Len(t, rec.failed(), 1)
	assert.Equal(t, []string{"user:anyone there?"}, texts(s.Log().Entries()))
}

func TestSessionSubmitValidation(t *testing.T) {
	f := &fakeServer{answer: echo}
	s, _ := newSession(t, f, func(o *Options) { o.MaxQuestionLen = 5 })

	assert.ErrorIs(t, s.Submit("   "), ErrEmptyQuestion)
	require.NoError(t, s.Submit("ouija board"))
	entries := s.Log().Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "ouija", entries[0].Text)

	s.Close()
	assert.ErrorIs(t, s.Submit("late"), ErrClosed)
}

func TestSessionCloseCancelsInFlight(t *testing.T) {
	f := &fakeServer{answer: echo}
	s, _ := newSession(t, f, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("hang"))
	require.Eventually(t, func() bool { return len(f.questions()) == 1 }, 5*time.Second, time.Millisecond)

	s.Close()
	assert.Equal(t, []string{"user:hang"}, texts(s.Log().Entries()))
	assert.ErrorIs(t, s.Wait(context.Background()), ErrClosed)
}

func TestSessionFiresEffects(t *testing.T) {
	f := &fakeServer{answer: func(api.AskRequest) ([]string, bool, *api.Perf) {
		return []string{"GOODBYE"}, false, &api.Perf{}
	}}
	fx := &recorder{}
	s, _ := newSession(t, f, func(o *Options) {
		tr := effects.NewTrigger(effects.DefaultRules(), effects.WithNotify(fx.notify))
		t.Cleanup(tr.Close)
		o.Trigger = tr
	})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Submit("bye"))
	wait(t, s)

	assert.True(t, fx.has(func(v any) bool {
		st, ok := v.(effects.Started)
		return ok && st.Effect == effects.Fadeout
	}))
	entries := s.Log().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "GOODBYE.", entries[1].Text)
}

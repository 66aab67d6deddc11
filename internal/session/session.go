// Package session serializes questions and drives one answer at a time
// through the board engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/api"
	"github.com/bodul/planchette/internal/board"
	"github.com/bodul/planchette/internal/client"
	"github.com/bodul/planchette/internal/effects"
	"github.com/bodul/planchette/internal/player"
)

var (
	ErrEmptyQuestion = errors.New("session: empty question")
	ErrClosed        = errors.New("session: closed")
)

// Backend is the answer server as seen by a session. *client.Client
// implements it.
type Backend interface {
	Ask(ctx context.Context, question string, history []api.Turn) (*client.Stream, error)
	Status(ctx context.Context) (api.ModelStatus, error)
	Download(ctx context.Context) (api.ModelStatus, error)
}

// Options configures a Session. Backend and Player are required.
type Options struct {
	Backend Backend
	Player  *player.Player
	Layout  *board.Layout
	Words   []board.Key
	Log     *Log

	Trigger  *effects.Trigger
	Ambience *effects.Ambience

	Logger *zap.Logger
	Notify func(any)

	HistoryLimit   int
	MaxQuestionLen int
	PollInterval   time.Duration
	WaitingDelay   time.Duration
}

func (o *Options) setDefaults() {
	if o.Layout == nil {
		o.Layout = board.DefaultLayout()
	}
	if o.Words == nil {
		o.Words = board.ControlWords
	}
	if o.Log == nil {
		o.Log = NewLog()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Notify == nil {
		o.Notify = func(any) {}
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 80
	}
	if o.MaxQuestionLen <= 0 {
		o.MaxQuestionLen = 150
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.WaitingDelay <= 0 {
		o.WaitingDelay = 150 * time.Millisecond
	}
}

type queued struct {
	text    string
	entryID string
}

// Session is the question submission queue. At most one question is in
// flight; the rest wait in submission order.
type Session struct {
	opts   Options
	log    *Log
	acc    *board.Accumulator
	logger *zap.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu           sync.Mutex
	queue        []queued
	pending      map[string]bool
	inFlight     bool
	cancel       context.CancelFunc
	busy         bool
	idle         chan struct{}
	ready        bool
	preparing    bool
	historyLimit int
	closed       bool
}

// New validates the vocabulary and returns an idle session.
func New(opts Options) (*Session, error) {
	opts.setDefaults()
	if opts.Backend == nil || opts.Player == nil {
		return nil, errors.New("session: backend and player are required")
	}
	if err := board.CheckVocabulary(opts.Layout, opts.Words); err != nil {
		return nil, err
	}
	base, stop := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Session{
		opts:         opts,
		log:          opts.Log,
		acc:          board.NewAccumulator(opts.Layout, opts.Words),
		logger:       opts.Logger,
		base:         base,
		stop:         stop,
		pending:      make(map[string]bool),
		idle:         idle,
		historyLimit: opts.HistoryLimit,
	}, nil
}

// Log returns the session log.
func (s *Session) Log() *Log { return s.log }

// Start reads the model status once. A model that is already downloading
// is polled until it settles; an idle model is left alone until the first
// question arrives.
func (s *Session) Start(ctx context.Context) error {
	st, err := s.opts.Backend.Status(ctx)
	if err != nil {
		return fmt.Errorf("model status: %w", err)
	}
	s.opts.Notify(ModelState{Status: st})

	s.mu.Lock()
	switch st.Status {
	case api.StatusReady:
		s.ready = true
	case api.StatusDownloading:
		s.prepareLocked(false)
	}
	ready := s.ready
	s.mu.Unlock()

	if ready {
		s.processNext()
	}
	return nil
}

// Submit queues a question. The question is trimmed and capped; an empty
// question is rejected.
func (s *Session) Submit(question string) error {
	q := strings.TrimSpace(question)
	if r := []rune(q); len(r) > s.opts.MaxQuestionLen {
		q = strings.TrimSpace(string(r[:s.opts.MaxQuestionLen]))
	}
	if q == "" {
		return ErrEmptyQuestion
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	entry := s.log.Append(Entry{Role: RoleUser, Text: q})
	s.pending[entry.ID] = true
	s.queue = append(s.queue, queued{text: q, entryID: entry.ID})
	becameBusy := s.setBusyLocked(true)
	ready := s.ready
	if !ready {
		s.prepareLocked(true)
	}
	s.mu.Unlock()

	s.opts.Notify(EntryAdded{Entry: entry})
	if becameBusy {
		s.busyChanged(true)
	}
	if ready {
		s.processNext()
	}
	return nil
}

// processNext starts the head of the queue unless a question is already in
// flight or the model is not ready.
func (s *Session) processNext() {
	s.mu.Lock()
	if s.inFlight || s.closed || !s.ready {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		wasBusy := s.setBusyLocked(false)
		s.mu.Unlock()
		if wasBusy {
			s.busyChanged(false)
		}
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = true
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, next)
}

// setBusyLocked reports whether the flag changed.
func (s *Session) setBusyLocked(on bool) bool {
	if s.busy == on {
		return false
	}
	s.busy = on
	if on {
		s.idle = make(chan struct{})
	} else {
		close(s.idle)
	}
	return true
}

func (s *Session) busyChanged(on bool) {
	if s.opts.Ambience != nil {
		s.opts.Ambience.SetBusy(on)
	}
	s.opts.Notify(Busy{On: on})
}

func (s *Session) run(ctx context.Context, q queued) {
	defer s.wg.Done()

	err := s.consume(ctx, q)
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		s.logger.Debug("answer cancelled", zap.String("question", q.text))
	default:
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			s.logger.Warn("question rejected", zap.String("question", q.text), zap.Int("status", apiErr.StatusCode), zap.String("error", apiErr.Message))
			s.opts.Notify(Failed{Question: q.text, Err: err})
		} else {
			s.logger.Error("answer failed", zap.String("question", q.text), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.inFlight = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.processNext()
}

// prepareLocked starts the goroutine that waits for the model, triggering
// the download first when asked to.
func (s *Session) prepareLocked(download bool) {
	if s.preparing || s.closed {
		return
	}
	s.preparing = true
	s.wg.Add(1)
	go s.prepare(download)
}

func (s *Session) prepare(download bool) {
	defer s.wg.Done()

	if download {
		st, err := s.opts.Backend.Download(s.base)
		if err != nil {
			s.logger.Error("model download request failed", zap.Error(err))
		} else {
			s.opts.Notify(ModelState{Status: st})
			if st.Ready() {
				s.modelSettled(st)
				return
			}
		}
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.base.Done():
			return
		case <-ticker.C:
		}
		st, err := s.opts.Backend.Status(s.base)
		if err != nil {
			if s.base.Err() != nil {
				return
			}
			s.logger.Warn("model status poll failed", zap.Error(err))
			continue
		}
		s.opts.Notify(ModelState{Status: st})
		if st.Settled() {
			s.modelSettled(st)
			return
		}
	}
}

// modelSettled releases the queue when the model is ready, or drops it with
// a Failed notification per question when the download failed.
func (s *Session) modelSettled(st api.ModelStatus) {
	s.mu.Lock()
	s.preparing = false
	if st.Ready() {
		s.ready = true
		s.mu.Unlock()
		s.processNext()
		return
	}
	dropped := s.queue
	s.queue = nil
	for _, q := range dropped {
		delete(s.pending, q.entryID)
	}
	wasBusy := false
	if !s.inFlight {
		wasBusy = s.setBusyLocked(false)
	}
	s.mu.Unlock()

	s.logger.Error("model download failed", zap.String("error", st.Error), zap.Int("dropped", len(dropped)))
	err := &client.APIError{StatusCode: 503, Message: st.Error}
	for _, q := range dropped {
		s.opts.Notify(Failed{Question: q.text, Err: err})
	}
	if wasBusy {
		s.busyChanged(false)
	}
}

// Busy reports whether questions are queued or in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Wait blocks until no question is queued or in flight.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-s.base.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the question in flight, drops the queue and waits for the
// session's goroutines to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
}

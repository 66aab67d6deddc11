package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// waitIndicator shows Waiting after a delay unless a token arrives first.
type waitIndicator struct {
	notify func(any)

	mu    sync.Mutex
	timer *time.Timer
	shown bool
	done  bool
}

func startWaiting(delay time.Duration, notify func(any)) *waitIndicator {
	w := &waitIndicator{notify: notify}
	w.timer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		if w.done {
			w.mu.Unlock()
			return
		}
		w.shown = true
		w.mu.Unlock()
		notify(Waiting{On: true})
	})
	return w
}

// stop cancels the indicator and hides it if it was shown.
func (w *waitIndicator) stop() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.timer.Stop()
	shown := w.shown
	w.mu.Unlock()
	if shown {
		w.notify(Waiting{On: false})
	}
}

// consume runs one question cycle: send, animate every token as it
// arrives, then record the revealed answer once the board is still.
func (s *Session) consume(ctx context.Context, q queued) error {
	id := uuid.NewString()
	logger := s.logger.With(zap.String("cycle", id))
	p := s.opts.Player

	p.Reset()
	s.acc.Reset()

	s.mu.Lock()
	limit := s.historyLimit
	history := s.log.History(limit, s.pending)
	delete(s.pending, q.entryID)
	s.mu.Unlock()

	s.opts.Notify(CycleStarted{ID: id, Question: q.text})
	logger.Debug("asking", zap.String("question", q.text), zap.Int("history", len(history)))

	waiting := startWaiting(s.opts.WaitingDelay, s.opts.Notify)
	defer waiting.stop()

	stream, err := s.opts.Backend.Ask(ctx, q.text, history)
	if err != nil {
		return err
	}
	defer stream.Close()

	crisis := stream.Crisis
	if crisis {
		logger.Info("question flagged")
		s.opts.Notify(Crisis{Question: q.text})
	}

	tokens := 0
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if ev.Done {
			if ev.Perf != nil {
				s.opts.Notify(PerfReport{Perf: *ev.Perf})
				if ev.Perf.HistoryLimit > 0 {
					s.mu.Lock()
					s.historyLimit = ev.Perf.HistoryLimit
					s.mu.Unlock()
				}
			}
			continue
		}
		waiting.stop()
		tokens++
		s.feed(ev.Token)
	}

	p.Enqueue(s.acc.Finish()...)
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("wait for board: %w", err)
	}

	entry := s.log.Append(Entry{Role: RoleSpirit, Text: p.Revealed(), Flagged: crisis})
	logger.Debug("answered", zap.Int("tokens", tokens), zap.String("revealed", entry.Text))
	s.opts.Notify(EntryAdded{Entry: entry})
	return nil
}

// feed runs one token through the accumulator. Effects fire before the
// matching gesture is queued.
func (s *Session) feed(token string) {
	res := s.acc.FeedText(token)
	if s.opts.Trigger != nil {
		for _, w := range res.Matched {
			s.opts.Trigger.Fire(w)
		}
	}
	s.opts.Player.Enqueue(res.Commands...)
}

package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/board"
	"github.com/bodul/planchette/internal/client"
	"github.com/bodul/planchette/internal/config"
	"github.com/bodul/planchette/internal/effects"
	"github.com/bodul/planchette/internal/player"
	"github.com/bodul/planchette/internal/session"
)

// engine is the client side of the board: the player, the effects and the
// session that feeds them, all reporting to one notify function.
type engine struct {
	layout   *board.Layout
	player   *player.Player
	ambience *effects.Ambience
	trigger  *effects.Trigger
	session  *session.Session
}

func newEngine(c *config.Config, timing player.Timing, notify func(any), logger *zap.Logger) (*engine, error) {
	rules, err := c.Board.Rules()
	if err != nil {
		return nil, err
	}

	layout := board.DefaultLayout()
	amb := effects.NewAmbience(c.Board.AmbienceSettings(), effects.SinkFunc(func(l effects.Levels) { notify(l) }))
	p := player.New(layout, timing, notify)
	trig := effects.NewTrigger(rules,
		effects.WithJitterer(p),
		effects.WithAmbience(amb),
		effects.WithNotify(notify),
	)

	sess, err := session.New(session.Options{
		Backend:        client.New(c.Client.ServerURL),
		Player:         p,
		Layout:         layout,
		Trigger:        trig,
		Ambience:       amb,
		Logger:         logger.Named("session"),
		Notify:         notify,
		HistoryLimit:   c.Client.HistoryLimit,
		MaxQuestionLen: c.Client.MaxQuestionLen,
		PollInterval:   config.Duration(c.Client.PollInterval, time.Second),
		WaitingDelay:   config.Duration(c.Client.WaitingDelay, 150*time.Millisecond),
	})
	if err != nil {
		trig.Close()
		p.Close()
		amb.Close()
		return nil, err
	}

	return &engine{layout: layout, player: p, ambience: amb, trigger: trig, session: sess}, nil
}

// Close stops the session first so nothing enqueues into a closed player.
func (e *engine) Close() {
	e.session.Close()
	e.trigger.Close()
	e.player.Close()
	e.ambience.Close()
}

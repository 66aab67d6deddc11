package session

import "github.com/bodul/planchette/internal/api"

// Values passed to Options.Notify. Player and effects notifications are
// delivered through their own callbacks.

// Busy toggles when the first question is queued and when the queue drains.
type Busy struct{ On bool }

// Waiting is sent when no token has arrived shortly after a question was
// sent, and again once the first token arrives.
type Waiting struct{ On bool }

// CycleStarted is sent when a queued question is sent to the server.
type CycleStarted struct {
	ID       string
	Question string
}

// Crisis is sent when the server flags the question in flight.
type Crisis struct{ Question string }

// EntryAdded is sent for every log append.
type EntryAdded struct{ Entry Entry }

// PerfReport carries the server timings of a finished answer.
type PerfReport struct{ Perf api.Perf }

// Failed is sent when the server rejects a question.
type Failed struct {
	Question string
	Err      error
}

// ModelState is sent for every model status seen while waiting for the
// model.
type ModelState struct{ Status api.ModelStatus }

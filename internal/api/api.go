// Package api holds the wire types shared by the answer server and its
// clients.
package api

// Roles accepted in the request history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CrisisHeader is set to "true" on answer streams whose question was flagged.
const CrisisHeader = "X-Crisis"

// Model download states.
const (
	StatusIdle        = "idle"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusError       = "error"
)

// Turn is one prior exchange sent with a question.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AskRequest is the body of POST /api/ask.
type AskRequest struct {
	Question string `json:"question"`
	History  []Turn `json:"history,omitempty"`
}

// Event is one data line of the answer stream. Either Token is set or Done
// is true.
type Event struct {
	Token string `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Perf  *Perf  `json:"perf,omitempty"`
}

// Perf is attached to the terminal event.
type Perf struct {
	ResponseMS   int64 `json:"response_ms"`
	TotalMS      int64 `json:"total_ms"`
	Tokens       int   `json:"tokens"`
	HistoryLen   int   `json:"history_len"`
	HistoryLimit int   `json:"history_limit"`
	CrisisMS     int64 `json:"crisis_ms"`
}

// ModelStatus is the body of GET /api/model/status.
type ModelStatus struct {
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	Error           string  `json:"error,omitempty"`
}

// Ready reports whether questions can be answered.
func (m ModelStatus) Ready() bool { return m.Status == StatusReady }

// Settled reports whether polling can stop.
func (m ModelStatus) Settled() bool {
	return m.Status == StatusReady || m.Status == StatusError
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Package model tracks whether the answering model is available and fetches
// it on request.
package model

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/api"
	"github.com/bodul/planchette/internal/oracle"
)

// Manager owns the download state of the oracle's model. Backends that do
// not implement oracle.Provisioner are ready from the start.
type Manager struct {
	oracle   oracle.Oracle
	prov     oracle.Provisioner
	logger   *zap.Logger
	onChange func(api.ModelStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   api.ModelStatus
	percent int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNotify registers a callback for state changes. Download progress is
// reported at most once per whole percent.
func WithNotify(fn func(api.ModelStatus)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager returns a manager for o.
func NewManager(o oracle.Oracle, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		oracle: o,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		state:  api.ModelStatus{Status: api.StatusIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	if p, ok := o.(oracle.Provisioner); ok {
		m.prov = p
	} else {
		m.state = readyStatus()
	}
	return m
}

func readyStatus() api.ModelStatus {
	return api.ModelStatus{Status: api.StatusReady, Progress: 1.0}
}

// Oracle returns the managed oracle.
func (m *Manager) Oracle() oracle.Oracle { return m.oracle }

// Status returns the current state. While idle it asks the backend whether
// the model has appeared, so a model fetched outside the server is picked up.
func (m *Manager) Status(ctx context.Context) api.ModelStatus {
	m.mu.Lock()
	idle := m.state.Status == api.StatusIdle
	m.mu.Unlock()

	if idle && m.prov != nil {
		present, err := m.prov.Present(ctx)
		if err != nil {
			m.logger.Warn("model presence check failed", zap.Error(err))
		} else if present {
			// A download may have started while the backend was asked.
			m.mu.Lock()
			promote := m.state.Status == api.StatusIdle
			if promote {
				m.state = readyStatus()
			}
			m.mu.Unlock()
			if promote {
				m.publish(readyStatus())
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == api.StatusReady {
		return readyStatus()
	}
	return m.state
}

// Ready reports whether questions can be answered now.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Status(ctx).Ready()
}

// Download starts fetching the model unless it is ready or already being
// fetched. It returns immediately with the resulting state.
func (m *Manager) Download() api.ModelStatus {
	m.mu.Lock()
	switch m.state.Status {
	case api.StatusReady:
		m.mu.Unlock()
		return api.ModelStatus{Status: api.StatusReady}
	case api.StatusDownloading:
		m.mu.Unlock()
		return api.ModelStatus{Status: api.StatusDownloading}
	}
	if m.ctx.Err() != nil {
		st := m.state
		m.mu.Unlock()
		return st
	}
	m.state = api.ModelStatus{Status: api.StatusDownloading}
	m.percent = 0
	st := m.state
	m.wg.Add(1)
	m.mu.Unlock()

	m.publish(st)
	go m.pull()
	return api.ModelStatus{Status: api.StatusDownloading}
}

func (m *Manager) pull() {
	defer m.wg.Done()

	m.logger.Info("model download started", zap.String("model", m.oracle.Model()))
	err := m.prov.Pull(m.ctx, m.progress)
	if err != nil {
		m.logger.Error("model download failed", zap.String("model", m.oracle.Model()), zap.Error(err))
		m.mu.Lock()
		st := m.state
		m.mu.Unlock()
		st.Status = api.StatusError
		st.Error = err.Error()
		m.set(st)
		return
	}
	m.logger.Info("model download complete", zap.String("model", m.oracle.Model()))
	m.set(readyStatus())
}

func (m *Manager) progress(done, total int64) {
	if total <= 0 {
		return
	}
	p := float64(done) / float64(total)
	if p > 1 {
		p = 1
	}

	m.mu.Lock()
	if m.state.Status != api.StatusDownloading {
		m.mu.Unlock()
		return
	}
	m.state.DownloadedBytes = done
	m.state.TotalBytes = total
	m.state.Progress = p
	pct := int(p * 100)
	changed := pct != m.percent
	m.percent = pct
	st := m.state
	m.mu.Unlock()

	if changed {
		m.publish(st)
	}
}

func (m *Manager) set(st api.ModelStatus) {
	m.mu.Lock()
	same := m.state.Status == st.Status
	m.state = st
	m.mu.Unlock()
	if !same || st.Status == api.StatusError {
		m.publish(st)
	}
}

func (m *Manager) publish(st api.ModelStatus) {
	if m.onChange != nil {
		m.onChange(st)
	}
}

// Close aborts a running download and waits for it to stop.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

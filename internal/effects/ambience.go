package effects

import (
	"math"
	"sync"
	"time"
)

// Levels is the state of the ambient loop.
type Levels struct {
	Volume float64 `json:"volume" yaml:"volume"`
	Rate   float64 `json:"rate" yaml:"rate"`
}

// Sink receives every level change.
type Sink interface {
	ApplyLevels(Levels)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Levels)

func (f SinkFunc) ApplyLevels(l Levels) { f(l) }

// AmbienceConfig tunes the easing.
type AmbienceConfig struct {
	BusyVolume  float64       `yaml:"busy_volume"`
	IdleVolume  float64       `yaml:"idle_volume"`
	BusySpeed   float64       `yaml:"busy_speed"`
	EffectSpeed float64       `yaml:"effect_speed"`
	Snap        float64       `yaml:"snap"`
	Frame       time.Duration `yaml:"-"`
}

// DefaultAmbienceConfig returns the stock fade parameters.
func DefaultAmbienceConfig() AmbienceConfig {
	return AmbienceConfig{
		BusyVolume:  0.5,
		IdleVolume:  0.2,
		BusySpeed:   0.06,
		EffectSpeed: 0.04,
		Snap:        0.005,
		Frame:       16 * time.Millisecond,
	}
}

const minRate = 0.1

// Ambience eases the ambient volume and playback rate toward a target, one
// frame at a time. Only one easing task runs at any moment; starting a new
// one abandons the old.
type Ambience struct {
	cfg  AmbienceConfig
	sink Sink

	mu     sync.Mutex
	cur    Levels
	target Levels
	speed  float64
	busy   bool
	held   bool
	easing bool
	closed bool
	gen    uint64
	frame  *time.Timer
}

// NewAmbience starts at the idle volume and normal rate.
func NewAmbience(cfg AmbienceConfig, sink Sink) *Ambience {
	if sink == nil {
		sink = SinkFunc(func(Levels) {})
	}
	if cfg.Frame <= 0 {
		cfg.Frame = 16 * time.Millisecond
	}
	start := Levels{Volume: cfg.IdleVolume, Rate: 1}
	return &Ambience{cfg: cfg, sink: sink, cur: start, target: start}
}

// Levels returns the current levels.
func (a *Ambience) Levels() Levels {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Target returns the levels the running task is heading to.
func (a *Ambience) Target() Levels {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// Easing reports whether an easing task is running.
func (a *Ambience) Easing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.easing
}

// Ease replaces any running task with one heading to target at speed.
func (a *Ambience) Ease(target Levels, speed float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.easeLocked(target, speed)
}

func (a *Ambience) easeLocked(target Levels, speed float64) {
	if a.closed {
		return
	}
	a.gen++
	if a.frame != nil {
		a.frame.Stop()
		a.frame = nil
	}
	a.target = Levels{Volume: clamp(target.Volume, 0, 1), Rate: math.Max(minRate, target.Rate)}
	a.speed = speed
	a.easing = true
	a.scheduleLocked(a.gen)
}

func (a *Ambience) scheduleLocked(gen uint64) {
	a.frame = time.AfterFunc(a.cfg.Frame, func() { a.tick(gen) })
}

func (a *Ambience) tick(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.closed {
		a.mu.Unlock()
		return
	}
	done := true
	if d := a.target.Volume - a.cur.Volume; math.Abs(d) > a.cfg.Snap {
		a.cur.Volume = clamp(a.cur.Volume+d*a.speed, 0, 1)
		done = false
	} else {
		a.cur.Volume = a.target.Volume
	}
	if d := a.target.Rate - a.cur.Rate; math.Abs(d) > a.cfg.Snap {
		a.cur.Rate = math.Max(minRate, a.cur.Rate+d*a.speed)
		done = false
	} else {
		a.cur.Rate = a.target.Rate
	}
	if done {
		a.easing = false
		a.frame = nil
	} else {
		a.scheduleLocked(gen)
	}
	levels := a.cur
	a.mu.Unlock()

	a.sink.ApplyLevels(levels)
}

// SetBusy fades the volume to the busy or idle level. While an effect holds
// the ambience the fade is deferred until Release.
func (a *Ambience) SetBusy(busy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = busy
	if a.held {
		return
	}
	a.easeLocked(Levels{Volume: a.restingVolumeLocked(), Rate: a.target.Rate}, a.cfg.BusySpeed)
}

// Hold eases to target and suspends busy fades.
func (a *Ambience) Hold(target Levels) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held = true
	a.easeLocked(target, a.cfg.EffectSpeed)
}

// Release ends a hold and eases back to the resting volume at normal rate.
func (a *Ambience) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held = false
	a.easeLocked(Levels{Volume: a.restingVolumeLocked(), Rate: 1}, a.cfg.EffectSpeed)
}

func (a *Ambience) restingVolumeLocked() float64 {
	if a.busy {
		return a.cfg.BusyVolume
	}
	return a.cfg.IdleVolume
}

// Close stops the running task.
func (a *Ambience) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.gen++
	a.easing = false
	if a.frame != nil {
		a.frame.Stop()
		a.frame = nil
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

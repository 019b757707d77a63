package trace

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

// Outcome is the terminal state of a migration attempt.
type Outcome string

const (
	Moved   Outcome = "moved"
	Aborted Outcome = "aborted"
)

// Select records one efficiency decision.
type Select struct {
	Time       time.Time
	PID        int
	Comm       string
	Candidates cpuset.CPUSet
	Idle       cpuset.CPUSet
	CPU        int
	Score      uint64
	IdleWinner bool
	Reason     string
}

// Migration records the end of one on-time move attempt.
type Migration struct {
	Time     time.Time
	PID      int
	Comm     string
	Src      int
	Dst      int
	Runnable uint64
	Boost    bool
	Outcome  Outcome
	Reason   string
}

// Tracer receives decision events. Implementations must be safe for
// concurrent use; events arrive from the scan, the move workers and every
// placement caller.
type Tracer interface {
	TraceSelect(ev Select)
	TraceMigration(ev Migration)
}

type nop struct{}

func (nop) TraceSelect(Select)       {}
func (nop) TraceMigration(Migration) {}

// Nop discards every event.
var Nop Tracer = nop{}

type multi []Tracer

func (m multi) TraceSelect(ev Select) {
	for _, t := range m {
		t.TraceSelect(ev)
	}
}

func (m multi) TraceMigration(ev Migration) {
	for _, t := range m {
		t.TraceMigration(ev)
	}
}

// Multi fans events out to every non-nil tracer.
func Multi(tracers ...Tracer) Tracer {
	out := make(multi, 0, len(tracers))
	for _, t := range tracers {
		if t != nil {
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}

// Logger writes events to a logrus logger at debug level.
type Logger struct {
	logger *logrus.Logger
}

func NewLogger(logger *logrus.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) TraceSelect(ev Select) {
	l.logger.WithFields(logrus.Fields{
		"pid":        ev.PID,
		"comm":       ev.Comm,
		"candidates": ev.Candidates.String(),
		"idle":       ev.Idle.String(),
		"cpu":        ev.CPU,
		"score":      ev.Score,
		"idle_win":   ev.IdleWinner,
		"reason":     ev.Reason,
	}).Debug("Selected cpu")
}

func (l *Logger) TraceMigration(ev Migration) {
	entry := l.logger.WithFields(logrus.Fields{
		"pid":      ev.PID,
		"comm":     ev.Comm,
		"src":      ev.Src,
		"dst":      ev.Dst,
		"runnable": ev.Runnable,
		"boost":    ev.Boost,
		"outcome":  ev.Outcome,
	})
	if ev.Reason != "" {
		entry = entry.WithField("reason", ev.Reason)
	}
	entry.Debug("On-time migration finished")
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu         sync.Mutex
	selects    []Select
	migrations []Migration
}

func (r *Recorder) TraceSelect(ev Select) {
	r.mu.Lock()
	r.selects = append(r.selects, ev)
	r.mu.Unlock()
}

func (r *Recorder) TraceMigration(ev Migration) {
	r.mu.Lock()
	r.migrations = append(r.migrations, ev)
	r.mu.Unlock()
}

func (r *Recorder) Selects() []Select {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Select(nil), r.selects...)
}

func (r *Recorder) Migrations() []Migration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Migration(nil), r.migrations...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.selects = nil
	r.migrations = nil
	r.mu.Unlock()
}

package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is a breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// gauge is the value exported on gateway_breaker_state.
func (s State) gauge() float64 {
	switch s {
	case Closed, Open, HalfOpen:
		return float64(s)
	default:
		return -1
	}
}

// tally counts outcomes seen while closed.
type tally struct {
	ok, failed int
}

func (t *tally) add(success bool) {
	if success {
		t.ok++
	} else {
		t.failed++
	}
}

func (t tally) total() int { return t.ok + t.failed }

func (t tally) failureRatio() float64 {
	if t.total() == 0 {
		return 0
	}
	return float64(t.failed) / float64(t.total())
}

// halve keeps the ratio while letting older outcomes fade.
func (t *tally) halve() {
	t.ok = (t.ok + 1) / 2
	t.failed = (t.failed + 1) / 2
}

// Breaker guards one upstream, labelled by target (core, proxy). It opens once
// minRequests outcomes are recorded and the failure ratio reaches the
// threshold. After openFor a single trial request is let through and its
// outcome closes or reopens the breaker. A trial that never reports back is
// replaced after another openFor.
type Breaker struct {
	mu           sync.Mutex
	state        State
	counts       tally
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	openedAt     time.Time
	trialAt      time.Time
	target       string
	logger       *zerolog.Logger
	now          func() time.Time
}

// NewBreaker builds a closed breaker. Out-of-range arguments fall back to
// one request, a 0.5 ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	b := &Breaker{
		minRequests:  minRequests,
		failureRatio: min(failureRatio, 1),
		openFor:      openFor,
		now:          time.Now,
	}
	if b.minRequests <= 0 {
		b.minRequests = 1
	}
	if b.failureRatio <= 0 {
		b.failureRatio = 0.5
	}
	if b.openFor <= 0 {
		b.openFor = 30 * time.Second
	}
	return b
}

// WithTarget sets the upstream label used for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishLocked()
	return b
}

// WithLogger sets the logger used for transitions when the request context
// carries none.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// WithClock replaces time.Now.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// Allow reports whether a request may go upstream now.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
	case HalfOpen:
		if !b.trialAt.IsZero() && now.Sub(b.trialAt) < b.openFor {
			return false
		}
	}
	b.trialAt = now
	return true
}

// Report records the outcome of a request admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	b.counts.add(success)
	if b.counts.total() < b.minRequests {
		return
	}
	if b.counts.failureRatio() >= b.failureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	if b.counts.total() > b.minRequests*2 {
		b.counts.halve()
	}
}

// State returns the current position. An open breaker past its cool-off
// stays Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	b.counts = tally{}
	b.trialAt = time.Time{}
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishLocked()
	if prev == next {
		return
	}

	label := b.label()
	BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	evt := b.loggerFor(ctx).Info().
		Str("target", label).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishLocked() {
	BreakerState.WithLabelValues(b.label()).Set(b.state.gauge())
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	if b.logger != nil {
		return b.logger
	}
	nop := zerolog.Nop()
	return &nop
}

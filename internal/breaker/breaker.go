// Package breaker implements the Circuit Breaker (spec.md §4.9): a
// per-provider Closed/Open/HalfOpen state machine with exponential backoff
// and a single half-open probe. Grounded on
// sunbankio-qwencoder-proxy/proxy/circuit_breaker.go, which used the same
// three-state shape (CircuitState, CanExecute/Execute/OnSuccess/OnFailure)
// and a RetryConfig backoff calculator; adapted here to gate the single
// half-open probe with golang.org/x/time/rate instead of a hand-rolled
// "halfOpenTries" counter, and to never transition Open→HalfOpen on a timer
// alone — only the next call to Allow after the cooldown elapses performs
// that transition (spec.md §4.9 invariant).
package breaker

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusgate/dialectproxy/internal/proxyerr"
)

// State is one of the three circuit states.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is one provider's circuit. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	baseRecovery      time.Duration
	maxBackoff        time.Duration

	state           State
	consecutiveFail int
	openedAt        time.Time
	backoffStep     int

	// probe limits the half-open state to a single in-flight trial request;
	// every non-probe call while half-open is rejected without counting as
	// a failure (spec.md §4.9 "single half-open probe").
	probe *rate.Limiter

	// expectedKinds is the set of error kinds that count toward tripping the
	// circuit (spec.md §4.9 "breaker counts only errors in the configured
	// expectedErrorKinds"). A client-caused failure such as
	// UpstreamClientError is the caller's fault, not the provider's, and must
	// bypass the counter entirely.
	expectedKinds map[proxyerr.Kind]bool
}

// New builds a Breaker. failureThreshold is the number of consecutive
// failures that trips Closed→Open. baseRecovery is the initial cooldown;
// each repeated re-trip from HalfOpen doubles it up to maxBackoff.
func New(failureThreshold int, baseRecovery, maxBackoff time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		baseRecovery:      baseRecovery,
		maxBackoff:        maxBackoff,
		state:             Closed,
		probe:             rate.NewLimiter(rate.Every(time.Hour*24*365), 1), // replaced by a fresh one-token limiter on each Open→HalfOpen transition
		expectedKinds: map[proxyerr.Kind]bool{
			proxyerr.NetworkError:        true,
			proxyerr.NetworkTimeout:      true,
			proxyerr.UpstreamServerError: true,
		},
	}
}

// Allow reports whether a request may proceed right now, and performs the
// Open→HalfOpen transition as a side effect when the cooldown has elapsed.
// This is the only place that transition happens — never a background
// timer — so a circuit with no traffic stays Open indefinitely rather than
// silently healing.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.recoveryDuration() {
			return false
		}
		b.state = HalfOpen
		b.probe = rate.NewLimiter(rate.Every(time.Hour*24*365), 1)
		return b.probe.Allow()
	case HalfOpen:
		return b.probe.Allow()
	default:
		return true
	}
}

// recoveryDuration is the current cooldown, doubling with each repeated
// trip and capped at maxBackoff (spec.md §4.9 exponential backoff).
func (b *Breaker) recoveryDuration() time.Duration {
	multiplier := math.Pow(2, float64(b.backoffStep))
	d := time.Duration(float64(b.baseRecovery) * multiplier)
	if d > b.maxBackoff {
		return b.maxBackoff
	}
	return d
}

// OnSuccess records a successful call. From HalfOpen this closes the
// circuit and resets backoff; from Closed it simply clears the failure
// streak.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.backoffStep = 0
	}
}

// OnFailure records a failed call, if err's kind is one the breaker is
// configured to count — an untagged error is treated as an infrastructure
// failure and always counts. From HalfOpen this reopens the circuit with an
// increased backoff step; from Closed it trips to Open once consecutiveFail
// reaches failureThreshold, at the base (un-doubled) cooldown.
func (b *Breaker) OnFailure(err error) {
	if !b.countsAsFailure(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.tripFromHalfOpen()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.failureThreshold {
		b.tripFromClosed()
	}
}

func (b *Breaker) countsAsFailure(err error) bool {
	pe, ok := err.(*proxyerr.Error)
	if !ok {
		return true
	}
	return b.expectedKinds[pe.Kind]
}

// tripFromClosed transitions Closed→Open for the first time in a failure
// streak. backoffStep is left untouched so the first cooldown is exactly
// baseRecovery (spec.md §4.9: "initial currentBackoffMs = recoveryTimeout");
// doubling only begins on a subsequent HalfOpen→Open re-trip. Caller must
// hold b.mu.
func (b *Breaker) tripFromClosed() {
	b.state = Open
	b.openedAt = time.Now()
	b.probe.SetBurst(0)
}

// tripFromHalfOpen transitions HalfOpen→Open after a failed probe,
// advancing the backoff step so the next cooldown doubles. Caller must hold
// b.mu.
func (b *Breaker) tripFromHalfOpen() {
	b.state = Open
	b.openedAt = time.Now()
	b.backoffStep++
	b.probe.SetBurst(0)
}

// State reports the current state, for metrics/diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

package breaker

import (
	"testing"
	"time"

	"github.com/nexusgate/dialectproxy/internal/proxyerr"
)

var errNetwork = proxyerr.New(proxyerr.NetworkError, "transient network failure")

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := New(3, 10*time.Millisecond, time.Second)
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected allow before threshold reached")
		}
		b.OnFailure(errNetwork)
	}
	if b.State() != Closed {
		t.Fatalf("expected still closed before threshold, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatalf("expected allow on third attempt")
	}
	b.OnFailure(errNetwork)
	if b.State() != Open {
		t.Fatalf("expected open after reaching threshold, got %v", b.State())
	}
}

func TestOpenRejectsUntilCooldownElapses(t *testing.T) {
	b := New(1, 20*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(errNetwork)
	if b.State() != Open {
		t.Fatalf("expected open")
	}
	if b.Allow() {
		t.Fatalf("expected reject immediately after trip")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected allow (single probe) after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after cooldown probe, got %v", b.State())
	}
}

func TestFirstTripUsesBaseCooldownNotDoubled(t *testing.T) {
	b := New(1, 100*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(errNetwork)
	// base recovery is 100ms; at 120ms the first cooldown (1x, not 2x) has
	// already elapsed, so the next Allow must probe rather than reject.
	time.Sleep(120 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected first cooldown to be exactly baseRecovery (un-doubled)")
	}
}

func TestHalfOpenAllowsOnlyOneProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(errNetwork)
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected first half-open probe to be allowed")
	}
	if b.Allow() {
		t.Fatalf("expected second concurrent half-open attempt to be rejected")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(errNetwork)
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.OnSuccess()
	if b.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestHalfOpenFailureReopensWithBackoff(t *testing.T) {
	b := New(1, 10*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(errNetwork)
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.OnFailure(errNetwork)
	if b.State() != Open {
		t.Fatalf("expected reopened, got %v", b.State())
	}
	// second backoff window should be longer than the first: not ready yet
	time.Sleep(15 * time.Millisecond)
	if b.Allow() {
		t.Fatalf("expected still rejecting under doubled backoff window")
	}
}

func TestBackoffCapsAtMaxBackoff(t *testing.T) {
	b := New(1, 100*time.Millisecond, 150*time.Millisecond)
	for i := 0; i < 5; i++ {
		b.Allow()
		b.OnFailure(errNetwork)
		time.Sleep(160 * time.Millisecond)
	}
	if b.recoveryDuration() > 150*time.Millisecond {
		t.Fatalf("expected backoff capped at maxBackoff, got %v", b.recoveryDuration())
	}
}

func TestUnexpectedErrorKindBypassesCounter(t *testing.T) {
	b := New(1, 10*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(proxyerr.New(proxyerr.UpstreamClientError, "bad request"))
	if b.State() != Closed {
		t.Fatalf("expected a client-caused failure to never trip the circuit, got %v", b.State())
	}
}

func TestUntaggedErrorCountsAsFailure(t *testing.T) {
	b := New(1, 10*time.Millisecond, time.Second)
	b.Allow()
	b.OnFailure(errUntagged{})
	if b.State() != Open {
		t.Fatalf("expected an untagged error to count toward tripping, got %v", b.State())
	}
}

type errUntagged struct{}

func (errUntagged) Error() string { return "untagged failure" }

package circuitbreaker

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero values", Config{}},
		{"negative values", Config{Threshold: -1, Cooldown: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := New(tt.cfg)

			for i := 0; i < DefaultConfig().Threshold-1; i++ {
				b.RecordFailure()
			}
			if b.State() != Closed {
				t.Errorf("breaker opened before default threshold, state %s", b.State())
			}
			b.RecordFailure()
			if b.State() != Open {
				t.Errorf("breaker did not open at default threshold, state %s", b.State())
			}
		})
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	if !b.Allow() {
		t.Fatal("closed breaker must allow requests")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatalf("opened below threshold, state %s", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("open breaker must reject requests")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.Failures() != 0 {
		t.Fatalf("expected failure count reset, got %d", b.Failures())
	}

	// Needs a full run of fresh failures to open again.
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 40 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("must reject during cooldown")
	}

	time.Sleep(50 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe allowed after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	t.Parallel()

	open := func() *Breaker {
		b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})
		b.RecordFailure()
		b.RecordFailure()
		time.Sleep(15 * time.Millisecond)
		b.Allow()
		return b
	}

	t.Run("success closes", func(t *testing.T) {
		t.Parallel()
		b := open()
		b.RecordSuccess()
		if b.State() != Closed {
			t.Errorf("expected closed after probe success, got %s", b.State())
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		t.Parallel()
		b := open()
		b.RecordFailure()
		if b.State() != Open {
			t.Errorf("expected open after probe failure, got %s", b.State())
		}
	})
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	b.Reset()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("expected clean closed state after reset, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegistryGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Second})

	k1 := r.Get("kubernetes")
	k2 := r.Get("kubernetes")
	slurm := r.Get("slurm")

	if k1 != k2 {
		t.Error("expected the same breaker for repeated key")
	}
	if k1 == slurm {
		t.Error("expected distinct breakers per key")
	}
	if stats := r.Stats(); stats.Total != 2 {
		t.Errorf("expected 2 breakers, got %d", stats.Total)
	}
}

func TestRegistryStats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	down := r.Get("htcondor")
	r.Get("kubernetes")
	r.Get("slurm")

	down.RecordFailure()
	down.RecordFailure()

	stats := r.Stats()
	if stats.Total != 3 {
		t.Errorf("expected 3 total, got %d", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("expected 1 open, got %d", stats.Open)
	}
	if stats.Closed != 2 {
		t.Errorf("expected 2 closed, got %d", stats.Closed)
	}
}

func TestRegistryReset(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	b := r.Get("slurm")
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	r.Reset()
	if b.State() != Closed {
		t.Errorf("expected closed after registry reset, got %s", b.State())
	}
}

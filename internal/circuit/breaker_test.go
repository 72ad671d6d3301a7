package circuit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	qerrors "github.com/docforge/querycache/pkg/errors"
)

func TestNewManager_Defaults(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, nil)
	if m.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", m.config.FailureThreshold)
	}
	if m.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want %v", m.config.Timeout, 30*time.Second)
	}
	if len(m.Stats()) != 0 {
		t.Errorf("new manager has %d breakers, want 0", len(m.Stats()))
	}
}

func TestManager_Breaker(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig(), nil)
	cb1 := m.Breaker("supabase")
	cb2 := m.Breaker("supabase")
	if cb1 != cb2 {
		t.Error("Breaker() should return the same instance for the same name")
	}
	if cb1.Name() != "supabase" {
		t.Errorf("Name() = %q, want %q", cb1.Name(), "supabase")
	}
	if m.Breaker("postgres") == cb1 {
		t.Error("different names must get different breakers")
	}
}

func TestManager_ExecuteTripsAndRejects(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{FailureThreshold: 2, Timeout: time.Hour}, nil)

	var transitions []string
	m.OnStateChange(func(name string, from, to gobreaker.State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	boom := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		if err := m.Execute("db", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() error = %v, want %v", err, boom)
		}
	}

	called := false
	err := m.Execute("db", func() error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker must not call the function")
	}
	if !qerrors.HasCode(err, qerrors.ErrCodeCircuitOpen) {
		t.Errorf("Execute() on open breaker error = %v, want code %s", err, qerrors.ErrCodeCircuitOpen)
	}
	if !IsRejection(err) {
		t.Error("IsRejection() should see through the structured error")
	}
	if len(transitions) != 1 || transitions[0] != "db:closed->open" {
		t.Errorf("transitions = %v, want [db:closed->open]", transitions)
	}
}

func TestManager_IsSuccessfulFilter(t *testing.T) {
	t.Parallel()

	userErr := errors.New("duplicate key")
	m := NewManager(Config{
		FailureThreshold: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, userErr)
		},
	}, nil)

	for i := 0; i < 3; i++ {
		_ = m.Execute("db", func() error { return userErr })
	}
	if err := m.HealthCheck(); err != nil {
		t.Errorf("client errors must not trip the breaker: %v", err)
	}
}

func TestManager_StatsAndHealthCheck(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Hour}, nil)

	_ = m.Execute("b", func() error { return nil })
	_ = m.Execute("a", func() error { return nil })

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() returned %d entries, want 2", len(stats))
	}
	if stats[0].Name != "a" || stats[1].Name != "b" {
		t.Errorf("Stats() not sorted by name: %v", stats)
	}
	if stats[0].Counts.TotalSuccesses != 1 {
		t.Errorf("successes = %d, want 1", stats[0].Counts.TotalSuccesses)
	}
	if err := m.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() with closed breakers error = %v, want nil", err)
	}

	_ = m.Execute("a", func() error { return errors.New("fail") })
	if err := m.HealthCheck(); err == nil {
		t.Error("HealthCheck() with open breaker should return error")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Execute("breaker-concurrent", func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	stats := m.Stats()
	if len(stats) != 1 {
		t.Errorf("concurrent access created %d breakers, want 1", len(stats))
	}
	if stats[0].Counts.TotalSuccesses != 10 {
		t.Errorf("successes = %d, want 10", stats[0].Counts.TotalSuccesses)
	}
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/querycache/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), nil)
	tracker.RegisterComponent("datasource")

	assert.Equal(t, StateHealthy, tracker.GetState("datasource"))
	assert.Equal(t, StateUnavailable, tracker.GetState("unknown"))
	assert.True(t, tracker.CanWrite("datasource"))
}

func TestTracker_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	config.UnavailableThreshold = 5
	tracker := NewTracker(config, nil)
	tracker.RegisterComponent("datasource")

	for i := 0; i < 2; i++ {
		tracker.RecordError("datasource", fmt.Errorf("error %d", i))
	}
	assert.Equal(t, StateHealthy, tracker.GetState("datasource"))

	tracker.RecordError("datasource", fmt.Errorf("error 2"))
	assert.Equal(t, StateDegraded, tracker.GetState("datasource"))
	assert.True(t, tracker.CanRead("datasource"))

	tracker.RecordError("datasource", fmt.Errorf("error 3"))
	tracker.RecordError("datasource", fmt.Errorf("error 4"))
	assert.Equal(t, StateUnavailable, tracker.GetState("datasource"))
	assert.False(t, tracker.CanRead("datasource"))

	h, err := tracker.GetComponentHealth("datasource")
	require.NoError(t, err)
	assert.Equal(t, 5, h.ConsecutiveErrors)
	assert.Equal(t, "error 4", h.LastErrorMessage)
}

func TestTracker_Recovery(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 10}, nil)
	tracker.RegisterComponent("remote-cache")

	tracker.RecordError("remote-cache", fmt.Errorf("timeout"))
	tracker.RecordError("remote-cache", fmt.Errorf("timeout"))
	require.Equal(t, StateDegraded, tracker.GetState("remote-cache"))

	tracker.RecordSuccess("remote-cache")
	assert.Equal(t, StateDegraded, tracker.GetState("remote-cache"))
	tracker.RecordSuccess("remote-cache")
	assert.Equal(t, StateHealthy, tracker.GetState("remote-cache"))

	h, err := tracker.GetComponentHealth("remote-cache")
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveErrors)
	assert.Empty(t, h.LastErrorMessage)
}

func TestTracker_WriteErrorsAreReadOnly(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1}, nil)
	tracker.RegisterComponent("persistent-cache")

	tracker.RecordError("persistent-cache", errors.NewError(errors.ErrCodeQuotaExceeded, "quota exceeded"))
	assert.Equal(t, StateReadOnly, tracker.GetState("persistent-cache"))
	assert.True(t, tracker.CanRead("persistent-cache"))
	assert.False(t, tracker.CanWrite("persistent-cache"))
}

func TestTracker_ObserveBreaker(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), nil)

	var (
		mu          sync.Mutex
		transitions []string
	)
	tracker.OnStateChange(func(component string, from, to HealthState, err error) {
		mu.Lock()
		transitions = append(transitions, component+":"+from.String()+"->"+to.String())
		mu.Unlock()
	})

	tracker.ObserveBreaker("datasource", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, StateUnavailable, tracker.GetState("datasource"))
	assert.Equal(t, StateUnavailable, tracker.GetOverallHealth())

	tracker.ObserveBreaker("datasource", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, StateDegraded, tracker.GetState("datasource"))

	tracker.ObserveBreaker("datasource", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, StateHealthy, tracker.GetState("datasource"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"datasource:healthy->unavailable",
		"datasource:unavailable->degraded",
		"datasource:degraded->healthy",
	}, transitions)
}

func TestTracker_Report(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), nil)
	tracker.RegisterComponent("datasource")
	tracker.RegisterComponent("backup")
	tracker.SetState("backup", StateDegraded, "bucket slow")
	tracker.SetComponentMetadata("backup", "bucket", "snapshots")

	r := tracker.Report()
	assert.Equal(t, StateDegraded, r.Status)
	require.Len(t, r.Components, 2)
	assert.Equal(t, "bucket slow", r.Components["backup"].LastErrorMessage)
	assert.Equal(t, "snapshots", r.Components["backup"].Metadata["bucket"])

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"degraded"`)
	assert.Contains(t, string(data), `"state":"healthy"`)
}

func TestTracker_CheckNow(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1}, nil)
	tracker.RegisterComponent("a")
	tracker.RegisterComponent("b")

	var seen []string
	tracker.CheckNow(context.Background(), func(_ context.Context, name string) error {
		seen = append(seen, name)
		if name == "b" {
			return fmt.Errorf("b is down")
		}
		return nil
	})

	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, StateHealthy, tracker.GetState("a"))
	assert.Equal(t, StateDegraded, tracker.GetState("b"))
}

package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/models"
)

func newQuietTracker(cfg Config) *Tracker {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewTracker(cfg, log)
}

func TestTracker_DisablesAfterConsecutiveFailures(t *testing.T) {
	tr := newQuietTracker(Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		tr.RecordFailure("p", 100)
		assert.Equal(t, models.HealthDegraded, tr.Get("p").Status)
	}

	tr.RecordFailure("p", 100)
	h := tr.Get("p")
	assert.Equal(t, models.HealthDisabled, h.Status)
	assert.Equal(t, "5 consecutive failures", h.DisabledReason)
	assert.Equal(t, 5, h.ConsecutiveFailures)
	require.NotNil(t, h.LastFailure)
}

func TestTracker_SuccessResetsFailureCounter(t *testing.T) {
	tr := newQuietTracker(Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		tr.RecordFailure("p", 100)
	}
	tr.RecordSuccess("p", 100)
	assert.Equal(t, 0, tr.Get("p").ConsecutiveFailures)
	assert.Equal(t, models.HealthHealthy, tr.Get("p").Status)

	// The counter starts over; four more failures must not disable.
	for i := 0; i < 4; i++ {
		tr.RecordFailure("p", 100)
	}
	assert.Equal(t, models.HealthDegraded, tr.Get("p").Status)
}

func TestTracker_DisabledIsStickyUntilEnable(t *testing.T) {
	tr := newQuietTracker(Config{FailureThreshold: 2})

	tr.RecordFailure("p", 10)
	tr.RecordFailure("p", 10)
	assert.Equal(t, models.HealthDisabled, tr.Get("p").Status)

	// A stray success while disabled does not re-enable the provider.
	tr.RecordSuccess("p", 10)
	disabled, reason := tr.IsDisabled("p")
	assert.True(t, disabled)
	assert.NotEmpty(t, reason)

	tr.Enable("p")
	disabled, _ = tr.IsDisabled("p")
	assert.False(t, disabled)
	assert.Equal(t, models.HealthHealthy, tr.Get("p").Status)
	assert.Equal(t, 0, tr.Get("p").ConsecutiveFailures)
}

func TestTracker_ManualDisable(t *testing.T) {
	tr := newQuietTracker(Config{})
	tr.Disable("p", "maintenance window")

	disabled, reason := tr.IsDisabled("p")
	assert.True(t, disabled)
	assert.Equal(t, "maintenance window", reason)
}

func TestTracker_HighLatencyDegrades(t *testing.T) {
	tr := newQuietTracker(Config{DegradedLatencyMs: 10000})

	tr.RecordSuccess("p", 15000)
	assert.Equal(t, models.HealthDegraded, tr.Get("p").Status)

	// Enough fast successes pull the average back under the threshold.
	for i := 0; i < 10; i++ {
		tr.RecordSuccess("p", 100)
	}
	assert.Equal(t, models.HealthHealthy, tr.Get("p").Status)
}

func TestTracker_WindowIsBounded(t *testing.T) {
	tr := newQuietTracker(Config{WindowSize: 10})

	for i := 0; i < 25; i++ {
		tr.RecordSuccess("p", 100)
	}
	h := tr.Get("p")
	assert.Equal(t, 10, h.WindowSize)
	assert.Equal(t, 1.0, h.SuccessRate)

	// Window now holds the 10 most recent outcomes only.
	for i := 0; i < 5; i++ {
		tr.RecordFailure("p", 100)
	}
	assert.InDelta(t, 0.5, tr.Get("p").SuccessRate, 1e-9)
}

func TestTracker_SuccessRateDefaultsOptimistic(t *testing.T) {
	tr := newQuietTracker(Config{})
	assert.Equal(t, 1.0, tr.SuccessRate("never-called"))
}

func TestTracker_AllSortedByProviderID(t *testing.T) {
	tr := newQuietTracker(Config{})
	tr.RecordSuccess("charlie", 10)
	tr.RecordSuccess("alpha", 10)
	tr.RecordSuccess("bravo", 10)

	all := tr.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].ProviderID)
	assert.Equal(t, "bravo", all[1].ProviderID)
	assert.Equal(t, "charlie", all[2].ProviderID)
}

func TestTracker_StatusListener(t *testing.T) {
	tr := newQuietTracker(Config{FailureThreshold: 2})

	type transition struct{ from, to models.HealthStatus }
	var mu sync.Mutex
	var seen []transition
	tr.OnStatusChange(func(id string, from, to models.HealthStatus) {
		mu.Lock()
		seen = append(seen, transition{from, to})
		mu.Unlock()
	})

	tr.RecordFailure("p", 10) // healthy -> degraded
	tr.RecordFailure("p", 10) // degraded -> disabled
	tr.Enable("p")            // disabled -> healthy
	tr.RecordSuccess("p", 10) // healthy -> healthy: no notification

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, transition{models.HealthHealthy, models.HealthDegraded}, seen[0])
	assert.Equal(t, transition{models.HealthDegraded, models.HealthDisabled}, seen[1])
	assert.Equal(t, transition{models.HealthDisabled, models.HealthHealthy}, seen[2])
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	tr := newQuietTracker(Config{WindowSize: 100})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", g%4)
			for i := 0; i < 50; i++ {
				if i%2 == 0 {
					tr.RecordSuccess(id, 50)
				} else {
					tr.RecordFailure(id, 50)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, tr.All(), 4)
	for _, h := range tr.All() {
		assert.InDelta(t, 0.5, h.SuccessRate, 0.2)
	}
}

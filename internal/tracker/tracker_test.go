package tracker

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(tick int) time.Time {
	return t0.Add(time.Duration(tick) * time.Second)
}

func det(label string, conf float64) types.Detection {
	return types.Detection{Label: label, Confidence: conf, BBox: types.BBox{10, 20, 110, 220}}
}

func person() []types.Detection { return []types.Detection{det("person", 0.9)} }

func TestScenarioThreeConsecutiveFramesConfirm(t *testing.T) {
	tr := New(DefaultConfig())

	r1 := tr.Update(at(1), person())
	r2 := tr.Update(at(2), person())
	assert.Empty(t, r1.Confirmed)
	assert.Empty(t, r2.Confirmed)

	r3 := tr.Update(at(3), person())
	require.Len(t, r3.Confirmed, 3)
	for _, d := range r3.Confirmed {
		assert.Equal(t, "person", d.Label)
	}

	st, ok := tr.State("person")
	require.True(t, ok)
	assert.Equal(t, 0, st.Count)
	assert.Equal(t, at(3), st.LastSavedAt)
}

func TestScenarioGapResetsStreak(t *testing.T) {
	tr := New(DefaultConfig())

	assert.Empty(t, tr.Update(at(1), person()).Confirmed)
	assert.Empty(t, tr.Update(at(2), nil).Confirmed)
	_, tracked := tr.State("person")
	assert.False(t, tracked, "never-saved label is dropped on its first gap")

	assert.Empty(t, tr.Update(at(3), person()).Confirmed)
	assert.Empty(t, tr.Update(at(4), person()).Confirmed)
	assert.Len(t, tr.Update(at(5), person()).Confirmed, 3)
}

func TestScenarioCooldownAndRebuiltStreak(t *testing.T) {
	tr := New(DefaultConfig()) // cooldown 5s

	var saves []int
	for tick := 1; tick <= 12; tick++ {
		if r := tr.Update(at(tick), person()); len(r.Confirmed) > 0 {
			saves = append(saves, tick)
		}
	}
	// first save at 3, then the streak is rebuilt by 6 but the cooldown
	// holds until 3+5=8; the next streak completes at 11 but 11-8 < 5.
	assert.Equal(t, []int{3, 8}, saves)
}

func TestCooldownElapsedStillNeedsFreshStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaveCooldown = time.Second
	tr := New(cfg)

	var saves []int
	for tick := 1; tick <= 9; tick++ {
		if r := tr.Update(at(tick), person()); len(r.Confirmed) > 0 {
			saves = append(saves, tick)
		}
	}
	assert.Equal(t, []int{3, 6, 9}, saves)
}

func TestPendingIsSlidingWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaveCooldown = time.Hour
	tr := New(cfg)

	tr.Update(at(0), nil)
	// first save consumes ticks 1..3
	for tick := 1; tick <= 3; tick++ {
		tr.Update(at(tick), []types.Detection{det("car", 0.5+float64(tick)/100)})
	}
	for tick := 4; tick <= 8; tick++ {
		tr.Update(at(tick), []types.Detection{det("car", 0.5+float64(tick)/100)})
	}
	st, ok := tr.State("car")
	require.True(t, ok)
	require.Len(t, st.Pending, 3)
	assert.Equal(t, 5, st.Count)
	assert.InDelta(t, 0.56, st.Pending[0].Confidence, 1e-9)
	assert.InDelta(t, 0.58, st.Pending[2].Confidence, 1e-9)
}

func TestNoDoubleSaveWithinCooldown(t *testing.T) {
	for _, cooldown := range []time.Duration{time.Second, 3 * time.Second, 7 * time.Second} {
		cfg := DefaultConfig()
		cfg.SaveCooldown = cooldown
		tr := New(cfg)

		var last time.Time
		for tick := 1; tick <= 40; tick++ {
			now := at(tick)
			frame := person()
			if tick%9 == 0 {
				frame = nil
			}
			if r := tr.Update(now, frame); len(r.Confirmed) > 0 {
				if !last.IsZero() {
					assert.GreaterOrEqual(t, now.Sub(last), cooldown)
				}
				last = now
			}
		}
	}
}

func TestStreakBreakIsExact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmationThreshold = 100
	tr := New(cfg)

	tr.Update(at(1), person())
	tr.Update(at(2), person())
	st, _ := tr.State("person")
	assert.Equal(t, 2, st.Count)

	tr.Update(at(3), []types.Detection{det("car", 0.9)})
	_, ok := tr.State("person")
	assert.False(t, ok)

	tr.Update(at(4), person())
	st, _ = tr.State("person")
	assert.Equal(t, 1, st.Count)
}

func TestExpiryPrunesSavedLabel(t *testing.T) {
	tr := New(DefaultConfig()) // expiry 30s

	for tick := 1; tick <= 3; tick++ {
		tr.Update(at(tick), person())
	}
	tr.Update(at(20), nil)
	st, ok := tr.State("person")
	require.True(t, ok, "saved label survives inside the expiry window")
	assert.Equal(t, 0, st.Count)
	assert.Empty(t, st.Pending)

	tr.Update(at(34), nil)
	_, ok = tr.State("person")
	assert.False(t, ok)
	assert.Zero(t, tr.Len())

	tr.Update(at(35), person())
	st, ok = tr.State("person")
	require.True(t, ok)
	assert.Equal(t, 1, st.Count)
	assert.True(t, st.LastSavedAt.IsZero())
}

func TestConfidenceBelowThresholdNeverCounts(t *testing.T) {
	tr := New(DefaultConfig())
	raw := []types.Detection{det("person", 0.79), det("fire", 0.8)}

	for tick := 1; tick <= 5; tick++ {
		r := tr.Update(at(tick), FilterByConfidence(raw, 0.8))
		for _, d := range r.Detections {
			assert.GreaterOrEqual(t, d.Confidence, 0.8)
		}
		for _, d := range r.Confirmed {
			assert.Equal(t, "fire", d.Label)
		}
	}
	_, ok := tr.State("person")
	assert.False(t, ok)
}

func TestReplayIsDeterministic(t *testing.T) {
	seq := [][]types.Detection{
		person(),
		{det("person", 0.9), det("car", 0.85)},
		{det("car", 0.95), det("person", 0.91)},
		{det("car", 0.9)},
		nil,
		{det("car", 0.9), det("fire", 0.99)},
		{det("car", 0.9), det("fire", 0.99)},
		{det("car", 0.9), det("fire", 0.99), det("person", 0.8)},
	}
	run := func() [][]types.Detection {
		tr := New(DefaultConfig())
		var out [][]types.Detection
		for i, frame := range seq {
			out = append(out, tr.Update(at(i*2), frame).Confirmed)
		}
		return out
	}

	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("replay mismatch (-first +second):\n%s", diff)
	}
}

func TestResetClearsTable(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update(at(1), []types.Detection{det("car", 0.9), det("person", 0.9)})
	assert.Equal(t, []string{"car", "person"}, tr.Labels())
	tr.Reset()
	assert.Zero(t, tr.Len())
}

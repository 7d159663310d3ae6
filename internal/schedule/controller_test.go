package schedule

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/config"
)

func testController(t *testing.T, b *bus.Bus, start, end string, grace time.Duration) *Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(logger, b, config.ScheduleConfig{
		OffHoursStart: start,
		OffHoursEnd:   end,
		PresenceFile:  filepath.Join(t.TempDir(), "presence"),
	}, grace)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.Local)
}

func TestModeOutsideWindowIsSupervised(t *testing.T) {
	c := testController(t, bus.New(), "22:00", "07:00", 5*time.Minute)
	now := at(12, 0)
	c.now = func() time.Time { return now }
	c.lastSeen = now.Add(-10 * time.Hour) // long silence does not matter by day

	if mode := c.CurrentMode(); mode != ModeSupervised {
		t.Fatalf("daytime must be Supervised, got %s", mode)
	}
}

func TestModeAutonomousAfterGrace(t *testing.T) {
	c := testController(t, bus.New(), "22:00", "07:00", 5*time.Minute)
	now := at(23, 30)
	c.now = func() time.Time { return now }
	c.lastSeen = now.Add(-10 * time.Minute)

	if mode := c.CurrentMode(); mode != ModeAutonomous {
		t.Fatalf("off-hours past grace must be Autonomous, got %s", mode)
	}
}

func TestModeGraceHoldsSupervised(t *testing.T) {
	c := testController(t, bus.New(), "22:00", "07:00", 5*time.Minute)
	now := at(23, 30)
	c.now = func() time.Time { return now }
	c.lastSeen = now.Add(-2 * time.Minute)

	if mode := c.CurrentMode(); mode != ModeSupervised {
		t.Fatalf("recent liveness must hold Supervised, got %s", mode)
	}
}

func TestWindowWrapsMidnight(t *testing.T) {
	c := testController(t, bus.New(), "22:00", "07:00", time.Minute)
	cases := []struct {
		hour, minute int
		in           bool
	}{
		{21, 59, false},
		{22, 0, true},
		{23, 59, true},
		{0, 30, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
	}
	for _, tc := range cases {
		if got := c.inWindow(at(tc.hour, tc.minute)); got != tc.in {
			t.Errorf("inWindow(%02d:%02d) = %v, want %v", tc.hour, tc.minute, got, tc.in)
		}
	}
}

func TestHeartbeatWinsImmediately(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicModeChanged)
	defer b.Unsubscribe(sub)

	c := testController(t, b, "22:00", "07:00", 5*time.Minute)
	now := at(23, 0)
	c.now = func() time.Time { return now }
	c.lastSeen = now.Add(-time.Hour)
	c.lastMode = c.computeMode(now)
	if c.lastMode != ModeAutonomous {
		t.Fatalf("precondition: want Autonomous, got %s", c.lastMode)
	}

	c.Heartbeat()

	if mode := c.CurrentMode(); mode != ModeSupervised {
		t.Fatalf("presence must win immediately, got %s", mode)
	}
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.ModeChangedEvent)
		if !ok || payload.NewMode != string(ModeSupervised) {
			t.Fatalf("unexpected mode event: %+v", ev.Payload)
		}
		if payload.Cause != "liveness" {
			t.Fatalf("want liveness cause, got %q", payload.Cause)
		}
	default:
		t.Fatal("mode transition not broadcast")
	}
}

func TestDegenerateWindowNeverAutonomous(t *testing.T) {
	c := testController(t, bus.New(), "08:00", "08:00", time.Minute)
	now := at(8, 0)
	c.now = func() time.Time { return now }
	c.lastSeen = now.Add(-time.Hour)

	if mode := c.CurrentMode(); mode != ModeSupervised {
		t.Fatalf("empty window must never go Autonomous, got %s", mode)
	}
}

// Package schedule decides the operating mode. The rule is deliberately
// simple: the system is Autonomous only while the configured off-hours
// window is active and no liveness signal has arrived within the grace
// period. Any presence signal flips the system Supervised immediately.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/config"
)

const evalInterval = 15 * time.Second

// Controller computes the current mode from the off-hours window and the
// last observed liveness signal, and broadcasts transitions on the bus.
type Controller struct {
	logger       *slog.Logger
	bus          *bus.Bus
	start, end   config.Clock
	grace        time.Duration
	presenceFile string
	now          func() time.Time

	mu       sync.Mutex
	lastSeen time.Time
	lastMode Mode
}

// New builds a controller from schedule config. The clock starts with
// lastSeen = now, so a fresh process is Supervised until a full grace period
// of silence has elapsed.
func New(logger *slog.Logger, b *bus.Bus, cfg config.ScheduleConfig, grace time.Duration) (*Controller, error) {
	start, err := config.ParseClock(cfg.OffHoursStart)
	if err != nil {
		return nil, fmt.Errorf("off-hours start: %w", err)
	}
	end, err := config.ParseClock(cfg.OffHoursEnd)
	if err != nil {
		return nil, fmt.Errorf("off-hours end: %w", err)
	}
	c := &Controller{
		logger:       logger.With("component", "mode_controller"),
		bus:          b,
		start:        start,
		end:          end,
		grace:        grace,
		presenceFile: cfg.PresenceFile,
		now:          time.Now,
	}
	c.lastSeen = c.now()
	c.lastMode = c.computeMode(c.lastSeen)
	return c, nil
}

// CurrentMode computes the mode for the current instant. It is a pure read:
// no state changes, no events.
func (c *Controller) CurrentMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computeMode(c.now())
}

// Heartbeat records a liveness signal. If the signal flips the mode to
// Supervised, the transition is broadcast before Heartbeat returns, so work
// claimed afterwards sees the new mode.
func (c *Controller) Heartbeat() {
	c.mu.Lock()
	c.lastSeen = c.now()
	c.mu.Unlock()
	c.evaluate("liveness")
}

// LastSeen returns the timestamp of the most recent liveness signal.
func (c *Controller) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// computeMode holds the mode rule. Caller must hold c.mu.
func (c *Controller) computeMode(now time.Time) Mode {
	if !c.inWindow(now) {
		return ModeSupervised
	}
	if now.Sub(c.lastSeen) < c.grace {
		return ModeSupervised
	}
	return ModeAutonomous
}

// inWindow reports whether now falls inside the off-hours window. A window
// whose start is later than its end wraps past midnight.
func (c *Controller) inWindow(now time.Time) bool {
	m := config.Minutes(now)
	if c.start == c.end {
		return false
	}
	if c.start < c.end {
		return m >= c.start && m < c.end
	}
	return m >= c.start || m < c.end
}

// evaluate recomputes the mode and broadcasts a transition if one happened.
func (c *Controller) evaluate(cause string) {
	c.mu.Lock()
	mode := c.computeMode(c.now())
	old := c.lastMode
	c.lastMode = mode
	c.mu.Unlock()

	if mode == old {
		return
	}
	c.logger.Info("mode changed", "old_mode", string(old), "new_mode", string(mode), "cause", cause)
	c.bus.Publish(bus.TopicModeChanged, bus.ModeChangedEvent{
		OldMode: string(old),
		NewMode: string(mode),
		Cause:   cause,
	})
}

// Run re-evaluates the mode on a short interval and watches the presence
// file for liveness signals until ctx is cancelled. Touching the presence
// file from anywhere (a login hook, a cron line, a shell alias) counts as
// presence.
func (c *Controller) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("presence watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file: the file may not exist yet,
	// and editors replace files instead of writing in place.
	dir := filepath.Dir(c.presenceFile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.logger.Info("mode controller running",
		"presence_file", c.presenceFile, "grace", c.grace.String())

	ticker := time.NewTicker(evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.evaluate("window")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != c.presenceFile {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
				c.Heartbeat()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("presence watcher error", "error", err)
		}
	}
}

// Package surface is the agent's control surface: the state a browser page
// would show in its DOM (controls bar, local and remote video, mute button),
// kept in memory and served to the host over HTTP.
package surface

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultHideAfter is how long the controls stay up after the last touch.
const DefaultHideAfter = 3000 * time.Millisecond

// Controls is the "controls" bar. It hides itself once no click or touch
// arrived for the hide delay; each touch shows it and restarts the countdown.
type Controls struct {
	clk clock.Clock

	mu       sync.Mutex
	delay    time.Duration
	visible  bool
	deadline time.Time
	timer    *clock.Timer
	gen      uint64
}

func NewControls(clk clock.Clock, delay time.Duration) *Controls {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = DefaultHideAfter
	}
	return &Controls{clk: clk, delay: delay, visible: true}
}

// Touch shows the controls and restarts the hide countdown. Only one
// countdown is ever pending.
func (c *Controls) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.visible = true
	c.deadline = c.clk.Now().Add(c.delay)
	c.timer = c.clk.AfterFunc(c.delay, func() { c.expire(gen) })
}

func (c *Controls) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A touch that raced the timer wins.
	if gen != c.gen {
		return
	}
	c.visible = false
	c.timer = nil
	log.Printf("SURFACE: controls hidden")
}

func (c *Controls) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Remaining is the time left before the controls hide; zero when hidden or
// when no countdown is armed.
func (c *Controls) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.visible || c.timer == nil {
		return 0
	}
	if d := c.deadline.Sub(c.clk.Now()); d > 0 {
		return d
	}
	return 0
}

// SetDelay changes the hide delay from the next touch on.
func (c *Controls) SetDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultHideAfter
	}
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

func (c *Controls) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Stop cancels the pending countdown and leaves the controls shown.
func (c *Controls) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.visible = true
}

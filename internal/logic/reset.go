package logic

import "time"

// ResetState is the state of the reset button controller.
type ResetState string

const (
	ResetIdle       ResetState = "IDLE"
	ResetDebouncing ResetState = "DEBOUNCING"
	ResetCooldown   ResetState = "COOLDOWN"
)

// DefaultResetCooldown is how long the button is ignored after a reset.
const DefaultResetCooldown = 500 * time.Millisecond

// ResetController turns level samples of the active-low reset button into
// reset requests. It is polled once per meter cycle, never sleeps, and
// models the post-reset hold as a cooldown deadline.
type ResetController struct {
	cooldown time.Duration
	stable   time.Duration

	state         ResetState
	pendingSince  time.Time
	cooldownUntil time.Time
	resets        int
}

// NewResetController creates a controller. A stable window of zero fires on
// the first pressed sample; a positive window requires the button to read
// pressed for that long first.
func NewResetController(cooldown, stable time.Duration) *ResetController {
	return &ResetController{
		cooldown: cooldown,
		stable:   stable,
		state:    ResetIdle,
	}
}

// Poll feeds one button sample taken at now and reports whether the reset
// action must run. pressed is the logical state (raw line low).
func (r *ResetController) Poll(now time.Time, pressed bool) bool {
	if r.state == ResetCooldown {
		if now.Before(r.cooldownUntil) {
			return false
		}
		r.state = ResetIdle
	}

	switch r.state {
	case ResetIdle:
		if !pressed {
			return false
		}
		if r.stable <= 0 {
			return r.fire(now)
		}
		r.state = ResetDebouncing
		r.pendingSince = now
		return false

	case ResetDebouncing:
		if !pressed {
			// Released before the window closed, treat as a bounce.
			r.state = ResetIdle
			return false
		}
		if now.Sub(r.pendingSince) >= r.stable {
			return r.fire(now)
		}
	}
	return false
}

func (r *ResetController) fire(now time.Time) bool {
	r.state = ResetCooldown
	r.cooldownUntil = now.Add(r.cooldown)
	r.resets++
	return true
}

// State returns the current controller state.
func (r *ResetController) State() ResetState {
	return r.state
}

// CooldownUntil returns the end of the current or last cooldown.
func (r *ResetController) CooldownUntil() time.Time {
	return r.cooldownUntil
}

// Resets returns how many resets have fired since construction.
func (r *ResetController) Resets() int {
	return r.resets
}

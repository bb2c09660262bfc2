// Package killswitch implements the process-wide trading-halt gate: a
// stateful singleton, persisted to a small JSON file, whose effective state
// is env-override OR persisted-enabled.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"ordergate/audit"
)

// ErrTradingHalted is returned by Guard when the kill switch is active.
var ErrTradingHalted = errors.New("killswitch: trading halted")

// ErrCannotDeactivate is returned by Deactivate while the environment
// override is present.
var ErrCannotDeactivate = errors.New("killswitch: cannot deactivate while KILL_SWITCH_ENABLED is set")

// State is the persisted kill-switch state.
type State struct {
	Enabled     bool      `json:"enabled"`
	ActivatedAt time.Time `json:"activated_at"`
	ActivatedBy string    `json:"activated_by"`
	Reason      string    `json:"reason"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State { return s }

// KillSwitch is the process-wide gate. Construct once at startup and pass
// by reference into every component that needs it; there is no implicit
// global instance.
type KillSwitch struct {
	mu        sync.Mutex
	stateFile string
	state     State
	log       audit.Log
	nowFunc   func() time.Time
}

// New constructs a KillSwitch backed by the given state file, loading any
// existing persisted state and persisting the environment override exactly
// once at construction.
func New(stateFile string, log audit.Log) (*KillSwitch, error) {
	ks := &KillSwitch{
		stateFile: stateFile,
		log:       log,
		nowFunc:   time.Now,
	}
	if err := ks.loadState(); err != nil {
		return nil, err
	}
	if envEnabled() && !ks.state.Enabled {
		ks.state = State{
			Enabled:     true,
			ActivatedAt: ks.nowFunc().UTC(),
			ActivatedBy: "environment_variable",
			Reason:      "KILL_SWITCH_ENABLED environment variable set",
		}
		if err := ks.saveState(); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

// SetNowFunc overrides the clock; used by tests.
func (ks *KillSwitch) SetNowFunc(now func() time.Time) {
	if ks == nil || now == nil {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.nowFunc = now
}

func envEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("KILL_SWITCH_ENABLED")))
	switch v {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (ks *KillSwitch) loadState() error {
	data, err := os.ReadFile(ks.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			ks.state = State{}
			return nil
		}
		return fmt.Errorf("killswitch: read state file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupted file starts fresh rather than crashing the process.
		ks.state = State{}
		return nil
	}
	ks.state = state
	return nil
}

func (ks *KillSwitch) saveState() error {
	data, err := json.MarshalIndent(ks.state, "", "  ")
	if err != nil {
		return fmt.Errorf("killswitch: marshal state: %w", err)
	}
	if err := os.WriteFile(ks.stateFile, data, 0o600); err != nil {
		return fmt.Errorf("killswitch: write state file: %w", err)
	}
	return nil
}

// IsEnabled returns true if either the persisted flag is set or the
// environment override is present.
func (ks *KillSwitch) IsEnabled() bool {
	if envEnabled() {
		return true
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.Enabled
}

// State returns a copy of the current persisted state.
func (ks *KillSwitch) State() State {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.Clone()
}

// Activate sets the kill switch, first-activate-wins: a second activation
// while already enabled does not overwrite the original metadata. The
// audit event is written before the state change commits; an append
// failure aborts the activation.
func (ks *KillSwitch) Activate(ctx context.Context, activatedBy, reason string) (State, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state.Enabled {
		state := ks.state.Clone()
		if err := ks.emit(ctx, audit.EventKillSwitchActivated, state); err != nil {
			return State{}, err
		}
		return state, nil
	}
	next := State{
		Enabled:     true,
		ActivatedAt: ks.nowFunc().UTC(),
		ActivatedBy: strings.TrimSpace(activatedBy),
		Reason:      strings.TrimSpace(reason),
	}
	if err := ks.emit(ctx, audit.EventKillSwitchActivated, next); err != nil {
		return State{}, err
	}
	ks.state = next
	if err := ks.saveState(); err != nil {
		return State{}, err
	}
	return ks.state.Clone(), nil
}

// Deactivate clears the kill switch unless the environment override is
// present, in which case it fails with ErrCannotDeactivate. As with
// Activate, a failed audit append aborts the change.
func (ks *KillSwitch) Deactivate(ctx context.Context, deactivatedBy string) (State, error) {
	if envEnabled() {
		return State{}, ErrCannotDeactivate
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	next := ks.state.Clone()
	next.Enabled = false
	if err := ks.emit(ctx, audit.EventKillSwitchReleased, next); err != nil {
		return State{}, err
	}
	if ks.state.Enabled {
		ks.state.Enabled = false
		if err := ks.saveState(); err != nil {
			return State{}, err
		}
	}
	return ks.state.Clone(), nil
}

// Guard is the one-liner consulted at every mutating entry point.
func (ks *KillSwitch) Guard(op string) error {
	if ks.IsEnabled() {
		return fmt.Errorf("%w: %s blocked", ErrTradingHalted, op)
	}
	return nil
}

func (ks *KillSwitch) emit(ctx context.Context, eventType audit.EventType, state State) error {
	if ks.log == nil {
		return nil
	}
	_, err := ks.log.Append(ctx, audit.EventCreate{
		EventType:     eventType,
		CorrelationID: audit.CorrelationID(ctx),
		Data: map[string]any{
			"enabled":      state.Enabled,
			"activated_by": state.ActivatedBy,
			"reason":       state.Reason,
		},
	})
	return err
}

package killswitch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ordergate/audit"
	"ordergate/killswitch"
)

// failingLog is an audit.Log whose every append fails.
type failingLog struct{}

func (failingLog) Append(ctx context.Context, create audit.EventCreate) (audit.Event, error) {
	return audit.Event{}, audit.ErrPersistenceFailed
}
func (failingLog) Get(ctx context.Context, id string) (*audit.Event, error) { return nil, nil }
func (failingLog) Query(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	return nil, nil
}
func (failingLog) Stats(ctx context.Context) (audit.Stats, error) { return audit.Stats{}, nil }

func stateFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "killswitch.json")
}

func TestKillSwitch_StartsDisabledByDefault(t *testing.T) {
	ks, err := killswitch.New(stateFile(t), nil)
	require.NoError(t, err)
	require.False(t, ks.IsEnabled())
}

func TestKillSwitch_ActivateIsFirstWriteWins(t *testing.T) {
	ks, err := killswitch.New(stateFile(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := ks.Activate(ctx, "ops-alice", "exchange outage")
	require.NoError(t, err)
	require.True(t, first.Enabled)
	require.Equal(t, "ops-alice", first.ActivatedBy)

	second, err := ks.Activate(ctx, "ops-bob", "unrelated reason")
	require.NoError(t, err)
	require.Equal(t, "ops-alice", second.ActivatedBy)
	require.Equal(t, "exchange outage", second.Reason)
}

func TestKillSwitch_DeactivateClearsState(t *testing.T) {
	ks, err := killswitch.New(stateFile(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ks.Activate(ctx, "ops-alice", "exchange outage")
	require.NoError(t, err)
	require.True(t, ks.IsEnabled())

	state, err := ks.Deactivate(ctx, "ops-alice")
	require.NoError(t, err)
	require.False(t, state.Enabled)
	require.False(t, ks.IsEnabled())
}

func TestKillSwitch_GuardReturnsErrTradingHaltedWhenEnabled(t *testing.T) {
	ks, err := killswitch.New(stateFile(t), nil)
	require.NoError(t, err)

	require.NoError(t, ks.Guard("place_order"))

	_, err = ks.Activate(context.Background(), "ops-alice", "manual halt")
	require.NoError(t, err)

	err = ks.Guard("place_order")
	require.ErrorIs(t, err, killswitch.ErrTradingHalted)
}

func TestKillSwitch_PersistsStateAcrossReload(t *testing.T) {
	path := stateFile(t)
	ks, err := killswitch.New(path, nil)
	require.NoError(t, err)
	_, err = ks.Activate(context.Background(), "ops-alice", "manual halt")
	require.NoError(t, err)

	reloaded, err := killswitch.New(path, nil)
	require.NoError(t, err)
	require.True(t, reloaded.IsEnabled())
	require.Equal(t, "ops-alice", reloaded.State().ActivatedBy)
}

func TestKillSwitch_EnvOverrideForcesEnabledAndBlocksDeactivate(t *testing.T) {
	t.Setenv("KILL_SWITCH_ENABLED", "true")

	ks, err := killswitch.New(stateFile(t), nil)
	require.NoError(t, err)
	require.True(t, ks.IsEnabled())

	_, err = ks.Deactivate(context.Background(), "ops-alice")
	require.ErrorIs(t, err, killswitch.ErrCannotDeactivate)
}

func TestKillSwitch_ActivateAbortsWhenAuditUnavailable(t *testing.T) {
	ks, err := killswitch.New(stateFile(t), failingLog{})
	require.NoError(t, err)

	_, err = ks.Activate(context.Background(), "ops-alice", "manual halt")
	require.ErrorIs(t, err, audit.ErrPersistenceFailed)
	require.False(t, ks.IsEnabled(), "an unaudited activation is not committed")
}

func TestKillSwitch_CorruptStateFileStartsFresh(t *testing.T) {
	path := stateFile(t)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	ks, err := killswitch.New(path, nil)
	require.NoError(t, err)
	require.False(t, ks.IsEnabled())
}

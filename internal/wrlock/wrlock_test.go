package wrlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbisx/isx/isxerr"
)

func TestAcquire_unlocked(t *testing.T) {
	clock := FakeClock{PidVal: 100, StartVal: 5}
	st, err := Acquire(State{}, clock)
	require.NoError(t, err)
	assert.Equal(t, State{Pid: 100, StartTime: 5}, st)
}

func TestAcquire_heldByLiveProcess(t *testing.T) {
	owner := FakeClock{PidVal: 100, StartVal: 5}
	cur, err := Acquire(State{}, owner)
	require.NoError(t, err)

	other := FakeClock{PidVal: 200, StartVal: 9}
	_, err = Acquire(cur, other)
	require.Error(t, err)
	assert.True(t, isxerr.Is(err, isxerr.KindWriterLocked))
}

func TestAcquire_reclaimsStaleLock(t *testing.T) {
	// pid 100's start time no longer matches what's recorded, as if
	// the pid were reused by a different process after a crash.
	cur := State{Pid: 100, StartTime: 5}
	restarted := FakeClock{PidVal: 100, StartVal: 9}
	st, err := Acquire(cur, restarted)
	require.NoError(t, err)
	assert.Equal(t, State{Pid: 100, StartTime: 9}, st)
}

func TestAcquire_reclaimsDeadOwner(t *testing.T) {
	cur := State{Pid: 100, StartTime: 5}
	newProc := FakeClock{PidVal: 300, StartVal: 1}
	st, err := Acquire(cur, newProc)
	require.NoError(t, err)
	assert.Equal(t, State{Pid: 300, StartTime: 1}, st)
}

func TestRelease(t *testing.T) {
	owner := FakeClock{PidVal: 100, StartVal: 5}
	cur := State{Pid: 100, StartTime: 5}
	st, cleared := Release(cur, owner)
	assert.True(t, cleared)
	assert.Equal(t, State{}, st)

	other := FakeClock{PidVal: 200, StartVal: 1}
	st, cleared = Release(cur, other)
	assert.False(t, cleared)
	assert.Equal(t, cur, st)
}

// Package wrlock implements the in-header writer lock shared by the
// bt64 and ndx engines: a per-file advisory lock identifying the owning
// process by (pid, process start time), taken on open-for-write and
// released on close. A lock whose owning pid is dead, or whose
// recorded start time no longer matches that pid's actual start time,
// is stale and may be reclaimed.
package wrlock

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/dbisx/isx/isxerr"
)

// ProcessClock abstracts "is this pid alive, and when did it start"
// so writer-lock stale-detection can be tested deterministically
// instead of depending on /proc.
type ProcessClock interface {
	// Pid returns the current process id.
	Pid() int
	// StartTime returns an opaque, monotonically-assigned start-time
	// value for pid, and false if pid is not a live process.
	StartTime(pid int) (uint64, bool)
}

// OSClock is the real ProcessClock, backed by os.Getpid and the
// process start-time field of /proc/<pid>/stat (Linux). Liveness is
// checked with a signal-0 kill.
type OSClock struct{}

// Pid returns os.Getpid().
func (OSClock) Pid() int { return os.Getpid() }

// StartTime reads the 22nd whitespace-separated field of
// /proc/<pid>/stat (start time in clock ticks since boot) after the
// parenthesised comm field, which may itself contain spaces.
func (OSClock) StartTime(pid int) (uint64, bool) {
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return 0, false
	}
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 >= len(line) {
		return 0, false
	}
	fields := strings.Fields(line[close+2:])
	// fields[0] is state (field 3); start time is field 22, i.e.
	// fields[22-3] = fields[19].
	const startTimeIdx = 19
	if len(fields) <= startTimeIdx {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[startTimeIdx], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// State is the writer-lock record as stored in a header page: a signed
// 16-bit pid (0 means unlocked) and a 64-bit start-time value.
type State struct {
	Pid       int16
	StartTime uint64
}

// Acquire evaluates cur against clock and decides whether to take the
// lock. It returns the new State to persist in the header, or an
// isxerr.KindWriterLocked error if another live process already owns
// it with a matching start time.
func Acquire(cur State, clock ProcessClock) (State, error) {
	if cur.Pid != 0 {
		if st, alive := clock.StartTime(int(cur.Pid)); alive && st == cur.StartTime {
			return cur, isxerr.Wrapf(isxerr.KindWriterLocked, nil,
				"writer lock held by live pid %d (start time %d)", cur.Pid, cur.StartTime)
		}
		// Stale: owning pid is dead, or its start time no longer
		// matches; the pid was reused by an unrelated process.
	}
	pid := clock.Pid()
	st, ok := clock.StartTime(pid)
	if !ok {
		return State{}, isxerr.Wrapf(isxerr.KindOpenFailure, nil, "cannot determine own process start time")
	}
	return State{Pid: int16(pid), StartTime: st}, nil
}

// Release clears the lock if the current process is its owner, and
// reports whether it did so. A caller that is not the owner must not
// clear fields it does not own.
func Release(cur State, clock ProcessClock) (State, bool) {
	if cur.Pid != 0 && int(cur.Pid) == clock.Pid() {
		return State{}, true
	}
	return cur, false
}

// FakeClock is a deterministic ProcessClock for tests: it reports a
// fixed pid/start-time pair as alive, and treats every other pid as
// dead. Tests simulate a crash-and-restart by constructing a new
// FakeClock with a different Pid.
type FakeClock struct {
	PidVal   int
	StartVal uint64
}

// Pid returns the configured pid.
func (c FakeClock) Pid() int { return c.PidVal }

// StartTime reports c's own start time as alive when pid matches, and
// reports every other pid as dead.
func (c FakeClock) StartTime(pid int) (uint64, bool) {
	if pid == c.PidVal {
		return c.StartVal, true
	}
	return 0, false
}

// Steal is an explicit, test-oriented alias for Acquire used when a
// caller already knows the recorded lock is stale (e.g. a simulated
// crash) and wants to force reclamation without re-deriving cur.
func Steal(clock ProcessClock) (State, error) {
	pid := clock.Pid()
	st, ok := clock.StartTime(pid)
	if !ok {
		return State{}, errors.New("wrlock: cannot determine own process start time")
	}
	return State{Pid: int16(pid), StartTime: st}, nil
}

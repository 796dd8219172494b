package bt64

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbisx/isx/internal/wrlock"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx.bt64")
	e, err := Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_pushAndFetch_singleKey(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push(42, []byte("hello")))

	var out []byte
	n, err := e.Fetch(42, &out)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
}

func TestEngine_pushAndFetch_multiValueConcatenatesInPushOrder(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push(7, []byte("a")))
	require.NoError(t, e.Push(7, []byte("bb")))
	require.NoError(t, e.Push(7, []byte("ccc")))

	var out []byte
	_, err := e.Fetch(7, &out)
	require.NoError(t, err)
	require.Equal(t, "abbccc", string(out))
}

func TestEngine_fetch_missingKeyReturnsNothing(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push(1, []byte("x")))

	var out []byte
	n, err := e.Fetch(99, &out)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, out)
}

func TestEngine_push_chunksOversizedValues(t *testing.T) {
	e := newTestEngine(t)
	value := bytes.Repeat([]byte{'x'}, MaxDLen*3+17)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	require.NoError(t, e.Push(5, value))

	var out []byte
	n, err := e.Fetch(5, &out)
	require.NoError(t, err)
	require.Equal(t, len(value), n)
	require.Equal(t, value, out)
}

func TestEngine_push_manyKeysStayOrdered(t *testing.T) {
	e := newTestEngine(t)
	const n = 2000
	for i := 0; i < n; i++ {
		k := uint64((i*2654435761 + 17) % 1_000_003)
		require.NoError(t, e.Push(k, []byte{byte(i), byte(i >> 8)}))
	}

	report, err := e.Check()
	require.NoError(t, err)
	require.True(t, report.OK(), "problems: %v", report.Problems)

	it, err := e.IterBegin()
	require.NoError(t, err)
	var prev uint64
	first := true
	count := 0
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if !first {
			require.Greater(t, k, prev)
		}
		prev, first = k, false
		count++
	}
	require.Greater(t, count, 0)
}

func TestEngine_fetchRange(t *testing.T) {
	e := newTestEngine(t)
	for k := uint64(0); k < 50; k++ {
		require.NoError(t, e.Push(k, []byte{byte(k)}))
	}

	var out []RangeEntry
	require.NoError(t, e.FetchRange(10, 20, &out))
	require.Len(t, out, 11)
	require.Equal(t, uint64(10), out[0].Key)
	require.Equal(t, uint64(20), out[len(out)-1].Key)
}

func TestEngine_fetchRange_kmaxAtUint64Max(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push(1, []byte{1}))
	require.NoError(t, e.Push(^uint64(0), []byte{2}))

	var out []RangeEntry
	require.NoError(t, e.FetchRange(0, ^uint64(0), &out))
	require.Len(t, out, 2)
}

func TestEngine_reopenForWrite_afterCleanClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bt64")
	e, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, e.Push(1, []byte("v1")))
	require.NoError(t, e.Close())

	e2, err := Open(path, Write)
	require.NoError(t, err)
	defer e2.Close()

	var out []byte
	_, err = e2.Fetch(1, &out)
	require.NoError(t, err)
	require.Equal(t, "v1", string(out))
}

func TestEngine_open_rejectsSecondWriterWhileFirstIsLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bt64")
	clock := &wrlock.FakeClock{PidVal: 111, StartVal: 1000}
	e, err := Create(path, WithProcessClock(clock))
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(path, Write, WithProcessClock(clock))
	require.Error(t, err)
}

func TestEngine_open_reclaimsLockFromDeadWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bt64")
	dead := &wrlock.FakeClock{PidVal: 222, StartVal: 5000}
	e, err := Create(path, WithProcessClock(dead))
	require.NoError(t, err)
	require.NoError(t, e.file.Close())

	live := &wrlock.FakeClock{PidVal: 333, StartVal: 6000}
	e2, err := Open(path, Write, WithProcessClock(live))
	require.NoError(t, err)
	defer e2.Close()
}

func TestEngine_readOnlyModesRejectPush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bt64")
	e, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, e.Push(1, []byte("v")))
	require.NoError(t, e.Close())

	r, err := Open(path, Read)
	require.NoError(t, err)
	defer r.Close()
	require.Error(t, r.Push(2, []byte("v")))

	p, err := Open(path, ReadPread)
	require.NoError(t, err)
	defer p.Close()
	var out []byte
	_, err = p.Fetch(1, &out)
	require.NoError(t, err)
	require.Equal(t, "v", string(out))
}

func TestEngine_fix_noopWhenHeaderConsistent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push(1, []byte("v")))

	patched, err := e.Fix()
	require.NoError(t, err)
	require.False(t, patched)
}

func TestEngine_fix_rejectsReadOnlyEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bt64")
	e, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	r, err := Open(path, Read)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Fix()
	require.Error(t, err)
}

func TestEngine_dump_doesNotErrorOnEmptyIndex(t *testing.T) {
	e := newTestEngine(t)
	var buf bytes.Buffer
	require.NoError(t, e.Dump(&buf))
	require.Contains(t, buf.String(), "bt64: version")
}

package ndx

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbisx/isx/internal/wrlock"
)

func testParams() Params {
	return Params{PageShift: 10, MinKeyLen: 1, MaxKeyLen: 255, MinDataLen: 0, MaxDataLen: 4}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx.ndx")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func le32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestEngine_pushAndFetch_singleKey(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push([]byte("hello"), le32Bytes(1)))

	out, err := e.Fetch([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, le32Bytes(1), out[0])
}

func TestEngine_fetch_missingKeyReturnsNothing(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push([]byte("a"), le32Bytes(1)))

	out, err := e.Fetch([]byte("zzz"))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestEngine_duplicateKeysPreserveInsertionOrder(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push([]byte("cat"), le32Bytes(1)))
	require.NoError(t, e.Push([]byte("cat"), le32Bytes(2)))
	require.NoError(t, e.Push([]byte("cat"), le32Bytes(3)))

	out, err := e.Fetch([]byte("cat"))
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, want := range []uint32{1, 2, 3} {
		require.Equal(t, want, binary.LittleEndian.Uint32(out[i]))
	}
}

var dictionaryWords = []string{
	"aardvark", "abacus", "abandon", "abdicate", "abide", "ability",
	"able", "aboard", "abolish", "about", "above", "abroad", "abrupt",
	"absence", "absent", "absolute", "absorb", "abstract", "absurd",
	"abuse", "academy", "accent", "accept", "access", "accident",
	"acclaim", "accolade", "accommodate", "accompany", "accomplish",
	"accord", "account", "accrue", "accumulate", "accuracy", "accuse",
	"achieve", "acid", "acknowledge", "acorn", "acquaint", "acquire",
	"acre", "acrobat", "across", "act", "action", "active", "actor",
	"actual", "acute",
}

func TestEngine_dictionaryLoad_enumeratesInAscendingOrder(t *testing.T) {
	e := newTestEngine(t)
	for i, w := range dictionaryWords {
		require.NoError(t, e.Push([]byte(w), le32Bytes(uint32(i+1))))
	}

	sorted := append([]string(nil), dictionaryWords...)
	sort.Strings(sorted)

	var got []string
	require.NoError(t, e.Enumerate(func(key, data []byte) bool {
		got = append(got, string(key))
		return true
	}))
	require.Equal(t, sorted, got)

	out, err := e.Fetch([]byte("acorn"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	lineNo := binary.LittleEndian.Uint32(out[0])
	for i, w := range dictionaryWords {
		if w == "acorn" {
			require.Equal(t, uint32(i+1), lineNo)
		}
	}
}

func TestEngine_push_manyKeysStayOrderedAndPassCheck(t *testing.T) {
	e := newTestEngine(t)
	const n = 3000
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k := []byte{byte(i), byte(i >> 8), byte(i % 7), byte((i * 31) % 251)}
		keys = append(keys, string(k))
		require.NoError(t, e.Push(k, le32Bytes(uint32(i))))
	}

	report, err := e.Check()
	require.NoError(t, err)
	require.True(t, report.OK(), "problems: %v", report.Problems)

	sort.Strings(keys)
	var got []string
	require.NoError(t, e.Enumerate(func(key, data []byte) bool {
		got = append(got, string(key))
		return true
	}))
	require.Equal(t, len(keys), len(got))
	for i := range keys {
		require.Equal(t, keys[i], got[i])
	}
}

func TestEngine_enumerate_abortsEarly(t *testing.T) {
	e := newTestEngine(t)
	for _, w := range dictionaryWords[:10] {
		require.NoError(t, e.Push([]byte(w), nil))
	}
	count := 0
	require.NoError(t, e.Enumerate(func(key, data []byte) bool {
		count++
		return count < 3
	}))
	require.Equal(t, 3, count)
}

func TestEngine_push_rejectsOutOfBoundsLengths(t *testing.T) {
	e := newTestEngine(t)
	require.Error(t, e.Push(nil, nil))
	require.Error(t, e.Push([]byte("ok"), []byte{1, 2, 3, 4, 5}))
}

func TestCreate_rejectsPageTooSmallForConfiguredLengths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ndx")
	_, err := Create(path, Params{PageShift: 8, MinKeyLen: 1, MaxKeyLen: 255, MinDataLen: 0, MaxDataLen: 255})
	require.Error(t, err)
}

func TestEngine_reopenForWrite_afterCleanClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ndx")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	require.NoError(t, e.Push([]byte("k"), le32Bytes(7)))
	require.NoError(t, e.Close())

	e2, err := Open(path, Write)
	require.NoError(t, err)
	defer e2.Close()

	out, err := e2.Fetch([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, le32Bytes(7), out[0])
}

func TestEngine_open_rejectsSecondWriterWhileFirstIsLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ndx")
	clock := &wrlock.FakeClock{PidVal: 111, StartVal: 1000}
	e, err := Create(path, testParams(), WithProcessClock(clock))
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(path, Write, WithProcessClock(clock))
	require.Error(t, err)
}

func TestEngine_open_reclaimsLockFromDeadWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ndx")
	dead := &wrlock.FakeClock{PidVal: 222, StartVal: 5000}
	e, err := Create(path, testParams(), WithProcessClock(dead))
	require.NoError(t, err)
	require.NoError(t, e.file.Close())

	live := &wrlock.FakeClock{PidVal: 333, StartVal: 6000}
	e2, err := Open(path, Write, WithProcessClock(live))
	require.NoError(t, err)
	defer e2.Close()
}

func TestEngine_readOnlyModesRejectPush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ndx")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	require.NoError(t, e.Push([]byte("k"), le32Bytes(1)))
	require.NoError(t, e.Close())

	r, err := Open(path, Read)
	require.NoError(t, err)
	defer r.Close()
	require.Error(t, r.Push([]byte("k2"), le32Bytes(2)))

	p, err := Open(path, ReadPread)
	require.NoError(t, err)
	defer p.Close()
	out, err := p.Fetch([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, le32Bytes(1), out[0])
}

func TestEngine_fix_noopWhenHeaderConsistent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Push([]byte("k"), le32Bytes(1)))

	patched, err := e.Fix()
	require.NoError(t, err)
	require.False(t, patched)
}

func TestEngine_fix_rejectsReadOnlyEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ndx")
	e, err := Create(path, testParams())
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
	require.Contains(t, buf.String(), "ndx: version")
}

func TestEngine_fetchRange(t *testing.T) {
	e := newTestEngine(t)
	for _, w := range dictionaryWords {
		require.NoError(t, e.Push([]byte(w), nil))
	}
	var out []RangeEntry
	require.NoError(t, e.FetchRange([]byte("ab"), []byte("ac"), true, &out))
	for _, re := range out {
		require.GreaterOrEqual(t, string(re.Key), "ab")
		require.LessOrEqual(t, string(re.Key), "ac")
	}
	require.NotEmpty(t, out)
}

package pagefile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 256

func TestCreate_zeroesHeaderAndDataPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 2)
	require.NoError(t, err)
	defer pf.Close()

	require.Equal(t, uint32(3), pf.NumPages())
	require.True(t, pf.Mapped())
	require.True(t, pf.Writable())

	for idx := uint32(0); idx < 3; idx++ {
		for _, b := range pf.Page(idx) {
			require.Zero(t, b)
		}
	}
}

func TestCreate_rejectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 1)
	require.NoError(t, err)
	pf.Close()

	_, err = Create(path, testPageSize, 1)
	require.Error(t, err)
}

func TestPage_roundTripsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 1)
	require.NoError(t, err)
	defer pf.Close()

	p := pf.Page(1)
	copy(p, []byte("hello"))
	require.Equal(t, byte('h'), pf.Page(1)[0])
}

func TestGrow_extendsFileAndPreservesExistingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 1)
	require.NoError(t, err)
	defer pf.Close()

	copy(pf.Page(1), []byte("preserved"))

	first, err := pf.Grow(3)
	require.NoError(t, err)
	require.Equal(t, uint32(2), first)
	require.Equal(t, uint32(5), pf.NumPages())

	require.Equal(t, byte('p'), pf.Page(1)[0])
	for idx := first; idx < pf.NumPages(); idx++ {
		for _, b := range pf.Page(idx) {
			require.Zero(t, b)
		}
	}
}

func TestGrow_rejectedOnReadOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 1)
	require.NoError(t, err)
	require.NoError(t, pf.Close())

	ro, err := Open(path, testPageSize, ReadOnlyMapped)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Grow(1)
	require.Error(t, err)
}

func TestOpen_rejectsSizeNotMultipleOfPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 1)
	require.NoError(t, err)
	require.NoError(t, pf.OSFile().Truncate(testPageSize + 10))
	require.NoError(t, pf.Close())

	_, err = Open(path, testPageSize, ReadOnlyMapped)
	require.Error(t, err)
}

func TestReadOnlyPread_readsPagesWithoutMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.idx")
	pf, err := Create(path, testPageSize, 1)
	require.NoError(t, err)
	copy(pf.Page(1), []byte("pread-me"))
	require.NoError(t, pf.Sync())
	require.NoError(t, pf.Close())

	pread, err := Open(path, testPageSize, ReadOnlyPread)
	require.NoError(t, err)
	defer pread.Close()
	require.False(t, pread.Mapped())

	buf := make([]byte, testPageSize)
	require.NoError(t, pread.ReadPage(1, buf))
	require.Equal(t, "pread-me", string(buf[:8]))
}

package isxerr

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapf_formatsMessageAndWrapsCause(t *testing.T) {
	cause := New(KindOpenFailure, syscall.ENOENT)
	err := Wrapf(KindCorruptHeader, cause, "bad magic %q", "XXXX")

	require.Equal(t, KindCorruptHeader, err.Kind)
	require.ErrorContains(t, err, "bad magic")
	require.ErrorContains(t, err, "XXXX")
}

func TestWrapf_nilCauseStillProducesMessage(t *testing.T) {
	err := Wrapf(KindInvalidArgument, nil, "key length %d out of range", 300)
	require.ErrorContains(t, err, "key length 300 out of range")
	require.Nil(t, err.Unwrap())
}

func TestErrno_mapsKnownKinds(t *testing.T) {
	require.Equal(t, syscall.EUCLEAN, New(KindCorruptHeader, nil).Errno())
	require.Equal(t, syscall.EDEADLK, New(KindWriterLocked, nil).Errno())
	require.Equal(t, syscall.Errno(0), New(KindStructural, nil).Errno())
}

func TestIs_matchesKindThroughWrapping(t *testing.T) {
	err := Wrapf(KindStructural, nil, "page %d out of range", 7)
	var wrapped error = err
	require.True(t, Is(wrapped, KindStructural))
	require.False(t, Is(wrapped, KindOversized))
}

func TestIs_falseForPlainError(t *testing.T) {
	require.False(t, Is(syscall.ENOENT, KindOpenFailure))
}

func TestKind_stringer(t *testing.T) {
	require.Equal(t, "writer-locked", KindWriterLocked.String())
	require.Equal(t, "unknown", Kind(99).String())
}

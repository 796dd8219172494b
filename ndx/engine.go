package ndx

import (
	"os"

	"go.uber.org/zap"

	"github.com/dbisx/isx/internal/pagefile"
	"github.com/dbisx/isx/internal/wrlock"
	"github.com/dbisx/isx/isxerr"
)

// Mode selects how an Engine accesses its backing file.
type Mode int

const (
	// Write opens the file read/write and takes the writer lock.
	Write Mode = iota
	// Read opens the file read-only, mapped into memory.
	Read
	// ReadPread opens the file read-only without mapping.
	ReadPread
)

// Engine is an open NDX index.
type Engine struct {
	file  *pagefile.File
	mode  Mode
	h     header
	clock wrlock.ProcessClock
	log   *zap.SugaredLogger
}

// Option configures Create/Open.
type Option func(*Engine)

// WithLogger attaches a zap.SugaredLogger for trace-level diagnostics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProcessClock overrides the ProcessClock used for writer-lock
// stale detection.
func WithProcessClock(c wrlock.ProcessClock) Option {
	return func(e *Engine) { e.clock = c }
}

func newEngine(f *pagefile.File, mode Mode, opts []Option) *Engine {
	e := &Engine{file: f, mode: mode, clock: wrlock.OSClock{}, log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Create creates a new, empty NDX index at path with the given
// parameters and opens it for write.
func Create(path string, params Params, opts ...Option) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	pageSize := 1 << params.PageShift
	initialPages := growthUnitBytes / pageSize
	if initialPages < 1 {
		initialPages = 1
	}

	f, err := pagefile.Create(path, pageSize, initialPages)
	if err != nil {
		return nil, err
	}
	e := newEngine(f, Write, opts)
	e.h = header{
		pageshift:  params.PageShift,
		root:       1,
		rootlevel:  0,
		nbpages:    1 + uint32(initialPages),
		minKeyLen:  params.MinKeyLen,
		maxKeyLen:  params.MaxKeyLen,
		minDataLen: params.MinDataLen,
		maxDataLen: params.MaxDataLen,
		userMajor:  params.UserMajor,
		userMinor:  params.UserMinor,
	}

	rootBuf := f.Page(1)
	if err := encodePage(rootBuf, 0, nilPage, nil, nil); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	last := f.NumPages() - 1
	for idx := uint32(2); idx <= last; idx++ {
		buf := f.Page(idx)
		for i := range buf {
			buf[i] = 0
		}
		if idx == last {
			putLE32(buf[4:8], 0)
		} else {
			putLE32(buf[4:8], idx+1)
		}
	}
	if last >= 2 {
		e.h.freelistHead = 2
	}

	lockState, err := wrlock.Acquire(wrlock.State{}, e.clock)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	e.h.wrlockPid = lockState.Pid
	e.h.wrlockTime = lockState.StartTime

	if err := e.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return e, nil
}

// peekPageShift reads just enough of an existing file's header to
// learn its configured page size, before pagefile.Open can validate
// the full mapping against it.
func peekPageShift(path string) (uint8, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, isxerr.Wrapf(isxerr.KindOpenFailure, err, "ndx: stat %s", path)
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, isxerr.Wrapf(isxerr.KindOpenFailure, err, "ndx: read header of %s", path)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return 0, err
	}
	return h.pageshift, nil
}

// Open opens an existing NDX index file in the given mode.
func Open(path string, mode Mode, opts ...Option) (*Engine, error) {
	shift, err := peekPageShift(path)
	if err != nil {
		return nil, err
	}
	pageSize := 1 << shift

	pfMode := pagefile.ReadOnlyMapped
	if mode == Write {
		pfMode = pagefile.ReadWrite
	} else if mode == ReadPread {
		pfMode = pagefile.ReadOnlyPread
	}
	f, err := pagefile.Open(path, pageSize, pfMode)
	if err != nil {
		return nil, err
	}
	e := newEngine(f, mode, opts)

	if mode != ReadPread {
		h, err := decodeHeader(f.Page(0))
		if err != nil {
			f.Close()
			return nil, err
		}
		e.h = h
	} else {
		buf := make([]byte, pageSize)
		if err := f.ReadPage(0, buf); err != nil {
			f.Close()
			return nil, err
		}
		h, err := decodeHeader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		e.h = h
	}

	if mode == Write {
		st, err := wrlock.Acquire(wrlock.State{Pid: e.h.wrlockPid, StartTime: e.h.wrlockTime}, e.clock)
		if err != nil {
			f.Close()
			return nil, err
		}
		e.h.wrlockPid = st.Pid
		e.h.wrlockTime = st.StartTime
		if err := e.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		e.log.Debugw("ndx: writer lock acquired", "pid", e.h.wrlockPid, "start_time", e.h.wrlockTime)
	}

	return e, nil
}

// Close releases the writer lock (if held), msyncs, and closes the
// file.
func (e *Engine) Close() error {
	if e.mode == Write {
		st, cleared := wrlock.Release(wrlock.State{Pid: e.h.wrlockPid, StartTime: e.h.wrlockTime}, e.clock)
		if cleared {
			e.h.wrlockPid = st.Pid
			e.h.wrlockTime = st.StartTime
			_ = e.writeHeader()
		}
		if err := e.file.Sync(); err != nil {
			e.file.Close()
			return err
		}
	}
	return e.file.Close()
}

func (e *Engine) writeHeader() error {
	encodeHeader(e.file.Page(0), e.h)
	return nil
}

func (e *Engine) requireWritable() error {
	if e.mode != Write {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "ndx: engine was opened read-only")
	}
	return nil
}

func (e *Engine) readPage(idx uint32) ([]byte, error) {
	if e.file.Mapped() {
		return e.file.Page(idx), nil
	}
	buf := make([]byte, e.h.pageSize())
	if err := e.file.ReadPage(idx, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Engine) validateKeyData(key, data []byte) error {
	if len(key) < int(e.h.minKeyLen) || len(key) > int(e.h.maxKeyLen) {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "ndx: key length %d outside [%d,%d]", len(key), e.h.minKeyLen, e.h.maxKeyLen)
	}
	if len(data) < int(e.h.minDataLen) || len(data) > int(e.h.maxDataLen) {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "ndx: data length %d outside [%d,%d]", len(data), e.h.minDataLen, e.h.maxDataLen)
	}
	return nil
}

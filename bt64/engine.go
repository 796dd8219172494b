// Package bt64 implements a persistent, memory-mapped B+-tree index
// keyed by 64-bit unsigned integers. Values are opaque byte blobs
// stored inline in leaves; a key may carry multiple values, pushed in
// order and concatenated on fetch. Per-record data is limited to
// MaxDLen bytes; Push splits larger values into MaxDLen-sized chunks.
//
// The engine is single-writer/multi-reader: at most one process may
// hold the file open for write at a time, coordinated by a writer lock
// stored in the header page (see internal/wrlock). Deletion of keys is
// not supported.
package bt64

import (
	"os"

	"go.uber.org/zap"

	"github.com/dbisx/isx/internal/pagefile"
	"github.com/dbisx/isx/internal/wrlock"
)

// Mode selects how an Engine accesses its backing file.
type Mode int

const (
	// Write opens the file read/write and takes the writer lock.
	Write Mode = iota
	// Read opens the file read-only, mapped into memory.
	Read
	// ReadPread opens the file read-only without mapping; fetch
	// operations pread one page at a time into a scratch buffer. Used
	// for large indexes under random access. Push is unavailable.
	ReadPread
)

// Engine is an open BT64 index.
type Engine struct {
	file  *pagefile.File
	mode  Mode
	clock wrlock.ProcessClock
	log   *zap.SugaredLogger
}

// Option configures Create/Open.
type Option func(*Engine)

// WithLogger attaches a zap.SugaredLogger that receives trace-level
// diagnostics for splits, freelist activity, and writer-lock events.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProcessClock overrides the ProcessClock used for writer-lock
// stale detection. Tests use this to inject deterministic pid/start
// time pairs instead of reading /proc.
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

// Create creates a new, empty BT64 index file at path and opens it for
// write.
func Create(path string, opts ...Option) (*Engine, error) {
	f, err := pagefile.Create(path, pageSize, growthUnitPages)
	if err != nil {
		return nil, err
	}
	e := newEngine(f, Write, opts)

	rootIdx := uint32(1)
	h := header{
		minor:        0,
		root:         makePtr(false, rootIdx),
		nbpages:      1 + growthUnitPages,
		freelistHead: 0,
		depth:        1,
	}

	rootBuf := f.Page(rootIdx)
	asLeaf(rootBuf).reset()
	asLeaf(rootBuf).setNext(nilPage)

	// Link the remaining freshly-allocated pages into the freelist;
	// page rootIdx is already in use as the root leaf.
	last := f.NumPages() - 1
	for idx := rootIdx + 1; idx <= last; idx++ {
		buf := f.Page(idx)
		for i := range buf {
			buf[i] = 0
		}
		if idx == last {
			asLeaf(buf).setNext(0)
		} else {
			asLeaf(buf).setNext(idx + 1)
		}
	}
	if last > rootIdx {
		h.freelistHead = rootIdx + 1
	}

	lockState, err := wrlock.Acquire(wrlock.State{}, e.clock)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	h.wrlockPid = lockState.Pid
	h.wrlockTime = lockState.StartTime

	if err := e.writeHeader(h); err != nil {
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

// Open opens an existing BT64 index file in the given mode. Opening
// for Write fails with isxerr.KindWriterLocked if another live process
// already holds the writer lock.
func Open(path string, mode Mode, opts ...Option) (*Engine, error) {
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
		if _, err := e.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, pageSize)
		if err := f.ReadPage(0, buf); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := decodeHeader(buf); err != nil {
			f.Close()
			return nil, err
		}
	}

	if mode == Write {
		h, err := e.readHeader()
		if err != nil {
			f.Close()
			return nil, err
		}
		st, err := wrlock.Acquire(wrlock.State{Pid: h.wrlockPid, StartTime: h.wrlockTime}, e.clock)
		if err != nil {
			f.Close()
			return nil, err
		}
		h.wrlockPid = st.Pid
		h.wrlockTime = st.StartTime
		if err := e.writeHeader(h); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		e.log.Debugw("bt64: writer lock acquired", "pid", h.wrlockPid, "start_time", h.wrlockTime)
	}

	return e, nil
}

// Close releases the writer lock (if held by this process), msyncs,
// and unmaps/closes the file.
func (e *Engine) Close() error {
	if e.mode == Write {
		h, err := e.readHeader()
		if err == nil {
			st, cleared := wrlock.Release(wrlock.State{Pid: h.wrlockPid, StartTime: h.wrlockTime}, e.clock)
			if cleared {
				h.wrlockPid = st.Pid
				h.wrlockTime = st.StartTime
				_ = e.writeHeader(h)
			}
		}
		if err := e.file.Sync(); err != nil {
			e.file.Close()
			return err
		}
	}
	return e.file.Close()
}

func (e *Engine) requireWritable() error {
	if e.mode != Write {
		return notWritable()
	}
	return nil
}

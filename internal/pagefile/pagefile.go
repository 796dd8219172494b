// Package pagefile implements the paginated-file runtime shared by the
// bt64 and ndx index engines: it creates/opens a file, keeps its length
// a multiple of the page size, maps it into memory for mutation (or
// reads single pages with pread for the read-only file-backed variant),
// grows it by whole regions, and releases the mapping on close.
//
// Pages are addressed by a 1-based index; index 0 is the header page.
// Callers must re-derive any page slice obtained before a Grow call;
// growing may remap the whole file.
package pagefile

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dbisx/isx/isxerr"
)

// Mode selects how a File is opened.
type Mode int

const (
	// ReadWrite mmaps the file PROT_READ|PROT_WRITE and allows Grow/WritePage.
	ReadWrite Mode = iota
	// ReadOnlyMapped mmaps the file PROT_READ only; mutation is rejected.
	ReadOnlyMapped
	// ReadOnlyPread never mmaps; Page reads go through pread into a
	// caller-supplied buffer. Used for large indexes under random access
	// where mapping the whole file isn't desirable.
	ReadOnlyPread
)

// File is a paginated, optionally memory-mapped file. Page 0 is the
// header page; data pages are indexed 1..NumPages()-1.
type File struct {
	f        *os.File
	path     string
	pageSize int
	mode     Mode
	mapped   []byte // nil in ReadOnlyPread mode
}

// Create creates a new file at path containing a zeroed header page
// plus initialDataPages data pages, and maps it read/write. It fails
// with isxerr.KindOpenFailure if the file already exists or any OS
// call fails.
func Create(path string, pageSize int, initialDataPages int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "create"))
	}
	total := int64(pageSize) * int64(1+initialDataPages)
	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(path)
		return nil, isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "truncate"))
	}
	pf := &File{f: f, path: path, pageSize: pageSize, mode: ReadWrite}
	if err := pf.mmap(total); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return pf, nil
}

// Open opens an existing paginated file in the given mode. The caller
// is responsible for validating the header contents (magic, version)
// once the header page is available via Page(0) or ReadPage(0, buf).
func Open(path string, pageSize int, mode Mode) (*File, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "open"))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "stat"))
	}
	if info.Size() == 0 || info.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, isxerr.Wrapf(isxerr.KindCorruptHeader, nil, "file size %d is not a positive multiple of page size %d", info.Size(), pageSize)
	}
	pf := &File{f: f, path: path, pageSize: pageSize, mode: mode}
	if mode != ReadOnlyPread {
		if err := pf.mmap(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return pf, nil
}

func (pf *File) mmap(size int64) error {
	prot := unix.PROT_READ
	if pf.mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(pf.f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "mmap"))
	}
	pf.mapped = data
	return nil
}

// PageSize returns the configured page size in bytes.
func (pf *File) PageSize() int { return pf.pageSize }

// NumPages returns the total number of pages in the file, including
// the header page at index 0.
func (pf *File) NumPages() uint32 {
	if pf.mapped != nil {
		return uint32(len(pf.mapped) / pf.pageSize)
	}
	info, err := pf.f.Stat()
	if err != nil {
		return 0
	}
	return uint32(info.Size() / int64(pf.pageSize))
}

// Mapped reports whether the file is memory-mapped (false only in
// ReadOnlyPread mode).
func (pf *File) Mapped() bool { return pf.mapped != nil }

// Writable reports whether the file was opened for mutation.
func (pf *File) Writable() bool { return pf.mode == ReadWrite }

// Page returns the mapped byte slice for the given page index. The
// slice is valid until the next Grow call or Close; callers must not
// retain it across either. Page panics if the file is not mapped; use
// ReadPage for the pread-backed variant.
func (pf *File) Page(idx uint32) []byte {
	off := int(idx) * pf.pageSize
	return pf.mapped[off : off+pf.pageSize]
}

// ReadPage reads page idx into buf (which must be at least PageSize
// bytes) via pread, regardless of mapping mode. This is the primitive
// the read-only file-backed variant uses for fetch operations.
func (pf *File) ReadPage(idx uint32, buf []byte) error {
	off := int64(idx) * int64(pf.pageSize)
	n, err := pf.f.ReadAt(buf[:pf.pageSize], off)
	if err != nil || n != pf.pageSize {
		return isxerr.New(isxerr.KindOpenFailure, errors.Wrapf(err, "read page %d", idx))
	}
	return nil
}

// Grow extends the file by n whole pages, remaps it, and returns the
// index of the first newly appended page. Any previously obtained Page
// slice is invalid after Grow returns; re-derive by index.
func (pf *File) Grow(n uint32) (uint32, error) {
	if pf.mode != ReadWrite {
		return 0, isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "grow requires a read-write file")
	}
	first := pf.NumPages()
	newSize := int64(first+n) * int64(pf.pageSize)
	if err := pf.f.Truncate(newSize); err != nil {
		return 0, isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "truncate"))
	}
	if err := unix.Munmap(pf.mapped); err != nil {
		return 0, isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "munmap"))
	}
	pf.mapped = nil
	if err := pf.mmap(newSize); err != nil {
		return 0, err
	}
	return first, nil
}

// Sync performs msync(MS_SYNC) over the mapped region.
func (pf *File) Sync() error {
	if pf.mapped == nil {
		return nil
	}
	if err := unix.Msync(pf.mapped, unix.MS_SYNC); err != nil {
		return isxerr.New(isxerr.KindOpenFailure, errors.Wrap(err, "msync"))
	}
	return nil
}

// Close releases the mapping (if any) and closes the underlying file.
func (pf *File) Close() error {
	var err error
	if pf.mapped != nil {
		if uerr := unix.Munmap(pf.mapped); uerr != nil {
			err = isxerr.New(isxerr.KindOpenFailure, errors.Wrap(uerr, "munmap"))
		}
		pf.mapped = nil
	}
	if cerr := pf.f.Close(); cerr != nil && err == nil {
		err = isxerr.New(isxerr.KindOpenFailure, errors.Wrap(cerr, "close"))
	}
	return err
}

// Fd exposes the underlying file descriptor, e.g. for flock-based
// header serialisation during open.
func (pf *File) Fd() uintptr { return pf.f.Fd() }

// File gives direct access to the underlying *os.File for pread/pwrite
// fallbacks (the ReadOnlyPread variant, and header flock).
func (pf *File) OSFile() *os.File { return pf.f }

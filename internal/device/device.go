// Package device opens the raw regions the engine works against. A region is
// a byte range inside a file or block device; the data, metadata and journal
// regions may live on one device at different offsets or on three devices.
package device

import (
	"os"
	"unsafe"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Region is an open byte range of a file or block device.
type Region struct {
	file   *os.File
	direct bool

	Offset uint64
	Size   uint64
}

// Open opens path with direct I/O and returns the region [offset,
// offset+size). A zero size takes everything from offset to the end of the
// device. Filesystems that refuse O_DIRECT (tmpfs in tests) fall back to
// buffered I/O.
func Open(path string, offset, size uint64) (*Region, error) {
	direct := true
	file, err := directio.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		direct = false
		file, err = os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
	}

	total, err := deviceSize(file)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "size %s", path)
	}
	if size == 0 {
		if offset > total {
			file.Close()
			return nil, errors.Errorf("%s: offset %d past device end %d", path, offset, total)
		}
		size = total - offset
	} else if offset+size > total {
		file.Close()
		return nil, errors.Errorf("%s: region [%d,%d) exceeds device size %d",
			path, offset, offset+size, total)
	}

	return &Region{file: file, direct: direct, Offset: offset, Size: size}, nil
}

// FD returns the underlying descriptor for ring submissions.
func (r *Region) FD() int {
	return int(r.file.Fd())
}

// Direct reports whether the region was opened with O_DIRECT.
func (r *Region) Direct() bool {
	return r.direct
}

// Lock takes an exclusive advisory lock so two engines cannot share a
// device. Non-blocking: a held lock is an immediate error.
func (r *Region) Lock() error {
	if err := unix.Flock(r.FD(), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Wrapf(err, "lock %s", r.file.Name())
	}
	return nil
}

func (r *Region) Close() error {
	return r.file.Close()
}

func deviceSize(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode().IsRegular() {
		return uint64(st.Size()), nil
	}
	// Block devices report zero size through Stat.
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// ReadAt fills buf from the region at the given relative offset,
// synchronously. Recovery uses this; steady-state I/O goes through the ring.
func (r *Region) ReadAt(buf []byte, off uint64) error {
	done := 0
	for done < len(buf) {
		n, err := unix.Pread(r.FD(), buf[done:], int64(r.Offset+off)+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return errors.Errorf("short read at %d", off)
		}
		done += n
	}
	return nil
}

// WriteAt writes buf to the region at the given relative offset,
// synchronously. Formatting uses this; steady-state I/O goes through the
// ring.
func (r *Region) WriteAt(buf []byte, off uint64) error {
	done := 0
	for done < len(buf) {
		n, err := unix.Pwrite(r.FD(), buf[done:], int64(r.Offset+off)+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		done += n
	}
	return nil
}

package fileio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileSlot couples a descriptor with its ownership. When Owning is false the
// descriptor belongs to another component (typically the table writer's
// active partition) and must not be closed by the borrower.
type FileSlot struct {
	FD     int
	Owning bool
}

func Owned(fd int) FileSlot    { return FileSlot{FD: fd, Owning: true} }
func Borrowed(fd int) FileSlot { return FileSlot{FD: fd, Owning: false} }

// Facade abstracts the file system operations the ingestion core performs so
// that merge planning can be exercised against a test double.
type Facade interface {
	OpenRW(path string) (int, error)
	Close(fd int) error
	Mmap(fd int, size int64, writable bool) ([]byte, error)
	Munmap(data []byte) error
	ReadAt(fd int, p []byte, off int64) (int, error)
	WriteAt(fd int, p []byte, off int64) (int, error)
	Allocate(fd int, size int64) error
	Truncate(fd int, size int64) error
	Length(fd int) (int64, error)
	Exists(path string) bool
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldPath, newPath string) error
	MkdirAll(path string) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	ReadDir(path string) ([]string, error)
	IsRestrictedFileSystem() bool
}

// OS is the production facade backed by unix syscalls.
type OS struct{}

func NewOS() *OS { return &OS{} }

func (*OS) OpenRW(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open rw %q: %w", path, err)
	}
	return fd, nil
}

func (*OS) Close(fd int) error {
	return unix.Close(fd)
}

func (*OS) Mmap(fd int, size int64, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd=%d size=%d: %w", fd, size, err)
	}
	return data, nil
}

func (*OS) Munmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

func (*OS) ReadAt(fd int, p []byte, off int64) (int, error) {
	n, err := unix.Pread(fd, p, off)
	if err != nil {
		return n, fmt.Errorf("pread fd=%d off=%d: %w", fd, off, err)
	}
	return n, nil
}

func (*OS) WriteAt(fd int, p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(fd, p, off)
	if err != nil {
		return n, fmt.Errorf("pwrite fd=%d off=%d: %w", fd, off, err)
	}
	return n, nil
}

func (f *OS) Allocate(fd int, size int64) error {
	if f.IsRestrictedFileSystem() {
		return nil
	}
	if err := unix.Fallocate(fd, 0, 0, size); err != nil {
		// Some file systems report fallocate as unsupported; fall back to
		// ftruncate which every mmap-capable fs honours.
		if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
			return f.Truncate(fd, size)
		}
		return fmt.Errorf("fallocate fd=%d size=%d: %w", fd, size, err)
	}
	return nil
}

func (*OS) Truncate(fd int, size int64) error {
	if err := unix.Ftruncate(fd, size); err != nil {
		return fmt.Errorf("ftruncate fd=%d size=%d: %w", fd, size, err)
	}
	return nil
}

func (*OS) Length(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat fd=%d: %w", fd, err)
	}
	return st.Size, nil
}

func (*OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (*OS) Remove(path string) error    { return os.Remove(path) }
func (*OS) RemoveAll(path string) error { return os.RemoveAll(path) }

func (*OS) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (*OS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (*OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (*OS) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func (*OS) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (*OS) IsRestrictedFileSystem() bool { return false }

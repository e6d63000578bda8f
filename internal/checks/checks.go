// Package checks contains the filesystem correctness checks run against
// a mounted filesystem between session start and teardown.
package checks

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nadalle/bcachefs-tools/internal/log"
)

// Check is a single named assertion about the mounted filesystem.
type Check struct {
	Name string
	Run  func(mnt string) error
}

// All returns the standard check list, in execution order. Each check
// assumes a freshly formatted filesystem and cleans up what it creates.
func All() []Check {
	return []Check{
		{"lost+found", LostFound},
		{"create", Create},
		{"mkdir", Mkdir},
		{"unlink", Unlink},
		{"rmdir", Rmdir},
		{"rename", Rename},
		{"link", Link},
		{"write", Write},
		{"unlink-frees-space", UnlinkFreesSpace},
	}
}

// LostFound verifies the root contains a lost+found directory with mode
// 0700.
func LostFound(mnt string) error {
	path := filepath.Join(mnt, "lost+found")

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("%s is not a directory (mode %o)", path, st.Mode)
	}
	if perm := st.Mode &^ uint32(unix.S_IFMT); perm != 0o700 {
		return fmt.Errorf("%s has mode %o, want 700", path, perm)
	}

	return nil
}

// Create verifies file creation: mode, fresh identical timestamps on
// the file, and an updated parent directory mtime.
func Create(mnt string) error {
	path := filepath.Join(mnt, "file")
	defer os.Remove(path)

	w, err := Observe(func() error {
		fd, err := unix.Open(path, unix.O_CREAT, 0o700)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		return unix.Close(fd)
	})
	if err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("%s is not a regular file (mode %o)", path, st.Mode)
	}
	if perm := st.Mode &^ uint32(unix.S_IFMT); perm != 0o700 {
		return fmt.Errorf("%s has mode %o, want 700", path, perm)
	}
	if err := freshTimes(&st, w); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return dirUpdated(mnt, w)
}

// Mkdir verifies directory creation: mode, fresh timestamps, and an
// updated parent.
func Mkdir(mnt string) error {
	path := filepath.Join(mnt, "dir")
	defer os.Remove(path)

	w, err := Observe(func() error {
		if err := unix.Mkdir(path, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("%s is not a directory (mode %o)", path, st.Mode)
	}
	if perm := st.Mode &^ uint32(unix.S_IFMT); perm != 0o700 {
		return fmt.Errorf("%s has mode %o, want 700", path, perm)
	}
	if err := freshTimes(&st, w); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return dirUpdated(mnt, w)
}

// Unlink verifies file removal and the parent directory time update.
func Unlink(mnt string) error {
	path := filepath.Join(mnt, "file")
	if err := touch(path, 0o600); err != nil {
		return err
	}

	w, err := Observe(func() error {
		if err := unix.Unlink(path); err != nil {
			return fmt.Errorf("unlink %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s still exists after unlink", path)
	}

	return dirUpdated(mnt, w)
}

// Rmdir verifies directory removal and the parent directory time
// update.
func Rmdir(mnt string) error {
	path := filepath.Join(mnt, "dir")
	if err := unix.Mkdir(path, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}

	w, err := Observe(func() error {
		if err := unix.Rmdir(path); err != nil {
			return fmt.Errorf("rmdir %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s still exists after rmdir", path)
	}

	return dirUpdated(mnt, w)
}

// Rename verifies a cross-directory rename: the file keeps its mtime
// and atime, gets a fresh ctime, and both directories are updated.
func Rename(mnt string) error {
	src := filepath.Join(mnt, "file")
	destdir := filepath.Join(mnt, "dir")
	dest := filepath.Join(destdir, "file")
	defer os.RemoveAll(destdir)
	defer os.Remove(src)

	if err := touch(src, 0o600); err != nil {
		return err
	}
	if err := unix.Mkdir(destdir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", destdir, err)
	}

	var pre unix.Stat_t
	if err := unix.Stat(src, &pre); err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	w, err := Observe(func() error {
		if err := unix.Rename(src, dest); err != nil {
			return fmt.Errorf("rename %s to %s: %w", src, dest, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := os.Lstat(src); !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s still exists after rename", src)
	}

	var post unix.Stat_t
	if err := unix.Stat(dest, &post); err != nil {
		return fmt.Errorf("stat %s: %w", dest, err)
	}
	if !timespecTime(post.Mtim).Equal(timespecTime(pre.Mtim)) {
		return fmt.Errorf("%s mtime changed across rename", dest)
	}
	if !timespecTime(post.Atim).Equal(timespecTime(pre.Atim)) {
		return fmt.Errorf("%s atime changed across rename", dest)
	}
	if !w.Contains(timespecTime(post.Ctim)) {
		return fmt.Errorf("%s ctime not updated by rename", dest)
	}

	if err := dirUpdated(mnt, w); err != nil {
		return err
	}
	return dirUpdated(destdir, w)
}

// Link verifies a hardlink into another directory: both names share
// the inode with a link count of two, the target keeps its mtime and
// atime but gets a fresh ctime, the destination directory is updated,
// and the source directory is untouched.
func Link(mnt string) error {
	path := filepath.Join(mnt, "file")
	destdir := filepath.Join(mnt, "dir")
	dest := filepath.Join(destdir, "file")
	defer os.RemoveAll(destdir)
	defer os.Remove(path)

	if err := touch(path, 0o600); err != nil {
		return err
	}
	if err := unix.Mkdir(destdir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", destdir, err)
	}

	var pre, rootPre unix.Stat_t
	if err := unix.Stat(path, &pre); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Stat(mnt, &rootPre); err != nil {
		return fmt.Errorf("stat %s: %w", mnt, err)
	}

	w, err := Observe(func() error {
		if err := unix.Link(path, dest); err != nil {
			return fmt.Errorf("link %s to %s: %w", path, dest, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var rootPost unix.Stat_t
	if err := unix.Stat(mnt, &rootPost); err != nil {
		return fmt.Errorf("stat %s: %w", mnt, err)
	}
	if !timespecTime(rootPost.Mtim).Equal(timespecTime(rootPre.Mtim)) ||
		!timespecTime(rootPost.Ctim).Equal(timespecTime(rootPre.Ctim)) {
		return fmt.Errorf("%s changed by a link into %s", mnt, destdir)
	}

	if err := dirUpdated(destdir, w); err != nil {
		return err
	}

	var post, destSt unix.Stat_t
	if err := unix.Stat(path, &post); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Stat(dest, &destSt); err != nil {
		return fmt.Errorf("stat %s: %w", dest, err)
	}
	if post.Ino != destSt.Ino {
		return fmt.Errorf("%s and %s are different inodes after link", path, dest)
	}
	if post.Nlink != 2 {
		return fmt.Errorf("%s has link count %d, want 2", path, post.Nlink)
	}
	if !timespecTime(post.Mtim).Equal(timespecTime(pre.Mtim)) {
		return fmt.Errorf("%s mtime changed across link", path)
	}
	if !timespecTime(post.Atim).Equal(timespecTime(pre.Atim)) {
		return fmt.Errorf("%s atime changed across link", path)
	}
	if !w.Contains(timespecTime(post.Ctim)) {
		return fmt.Errorf("%s ctime not updated by link", path)
	}

	return nil
}

// Write verifies writing to an existing file refreshes mtime and ctime
// together, leaves atime alone, and that the data reads back intact.
func Write(mnt string) error {
	path := filepath.Join(mnt, "file")
	defer os.Remove(path)

	if err := touch(path, 0o600); err != nil {
		return err
	}

	var pre unix.Stat_t
	if err := unix.Stat(path, &pre); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	data := []byte("test")
	w, werr := Observe(func() error {
		n, err := unix.Write(fd, data)
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if n != len(data) {
			return fmt.Errorf("short write to %s: %d of %d bytes", path, n, len(data))
		}
		return nil
	})
	if cerr := unix.Close(fd); werr == nil && cerr != nil {
		werr = fmt.Errorf("close %s: %w", path, cerr)
	}
	if werr != nil {
		return werr
	}

	var post unix.Stat_t
	if err := unix.Stat(path, &post); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !timespecTime(post.Atim).Equal(timespecTime(pre.Atim)) {
		return fmt.Errorf("%s atime changed across write", path)
	}
	if !timespecTime(post.Mtim).Equal(timespecTime(post.Ctim)) {
		return fmt.Errorf("%s: mtime != ctime after write", path)
	}
	if !w.Contains(timespecTime(post.Mtim)) {
		return fmt.Errorf("%s mtime not updated by write", path)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("%s reads back %q, want %q", path, got, data)
	}

	return nil
}

// UnlinkFreesSpace writes a large file, confirms the free-space
// accounting reflects it, then unlinks it and confirms the blocks come
// back.
func UnlinkFreesSpace(mnt string) error {
	const size = 10 << 20

	var pre unix.Statfs_t
	if err := unix.Statfs(mnt, &pre); err != nil {
		return fmt.Errorf("statfs %s: %w", mnt, err)
	}

	path := filepath.Join(mnt, "largefile")
	defer os.Remove(path)

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate random data: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	var during unix.Statfs_t
	if err := unix.Statfs(mnt, &during); err != nil {
		return fmt.Errorf("statfs %s: %w", mnt, err)
	}

	lost := freeDelta(during.Bfree, pre.Bfree, pre.Bsize)
	if lost < size {
		return fmt.Errorf("write of %d bytes only consumed %d bytes of free space", size, lost)
	}
	log.Debug("write consumed space", "bytes", lost)

	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}

	var post unix.Statfs_t
	if err := unix.Statfs(mnt, &post); err != nil {
		return fmt.Errorf("statfs %s: %w", mnt, err)
	}

	gained := freeDelta(during.Bfree, post.Bfree, pre.Bsize)
	if gained < size {
		return fmt.Errorf("unlink of %d bytes only freed %d bytes", size, gained)
	}
	log.Debug("unlink freed space", "bytes", gained)

	return nil
}

// freeDelta returns the signed change in free space, in bytes, between
// two statfs free-block counts. Free space can shrink as well as grow
// between snapshots, so the subtraction must not happen in uint64.
func freeDelta(from, to uint64, bsize int64) int64 {
	return (int64(to) - int64(from)) * bsize
}

// touch creates an empty file with the given mode. The file must not
// already exist.
func touch(path string, mode uint32) error {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// freshTimes asserts a newly created inode has identical a/c/mtimes
// inside the observation window.
func freshTimes(st *unix.Stat_t, w *Window) error {
	mtime := timespecTime(st.Mtim)
	if !mtime.Equal(timespecTime(st.Ctim)) {
		return errors.New("mtime != ctime on fresh inode")
	}
	if !mtime.Equal(timespecTime(st.Atim)) {
		return errors.New("mtime != atime on fresh inode")
	}
	if !w.Contains(mtime) {
		return fmt.Errorf("mtime %v outside operation window [%v, %v]", mtime, w.Start, w.End)
	}
	return nil
}

// dirUpdated asserts a directory's mtime and ctime were both set by an
// operation inside the window.
func dirUpdated(dir string, w *Window) error {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	mtime := timespecTime(st.Mtim)
	if !mtime.Equal(timespecTime(st.Ctim)) {
		return fmt.Errorf("%s: mtime != ctime after update", dir)
	}
	if !w.Contains(mtime) {
		return fmt.Errorf("%s: mtime %v outside operation window [%v, %v]", dir, mtime, w.Start, w.End)
	}
	return nil
}

// Package artifact commits stage outputs to disk so that a reader never
// observes a partially written table.
package artifact

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// WriteAtomic writes path via a temporary file in the same directory and
// renames it into place once write returns nil. On error the previous file,
// if any, is left untouched.
func WriteAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// ModTime returns the modification time of path and whether it exists.
func ModTime(path string) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

// StampAfter moves the modification time of path just past the newest of
// inputs when it is not already later. Filesystem clocks tick coarsely, so
// an output committed right after reading its input can carry the same
// timestamp. Missing inputs are skipped.
func StampAfter(path string, inputs []string) error {
	outTime, ok, err := ModTime(path)
	if err != nil || !ok {
		return err
	}
	stamp := outTime
	for _, in := range inputs {
		inTime, exists, err := ModTime(in)
		if err != nil {
			return err
		}
		if exists && !stamp.After(inTime) {
			stamp = inTime.Add(time.Nanosecond)
		}
	}
	if stamp.Equal(outTime) {
		return nil
	}
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		return fmt.Errorf("stamp %s: %w", path, err)
	}
	return nil
}

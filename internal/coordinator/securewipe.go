package coordinator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const wipeChunkSize = 64 * 1024

// wipePath overwrites every regular file under path with zeros before
// unlinking, so deleted payload contents do not survive in place on disk.
// Directories are walked depth-first; the tree is removed afterwards.
func wipePath(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat payload: %w", err)
	}

	if info.Mode().IsRegular() {
		if err := overwriteFile(path, info.Size()); err != nil {
			return err
		}
		return os.Remove(path)
	}

	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return overwriteFile(p, fi.Size())
		})
		if err != nil {
			return fmt.Errorf("wipe payload tree: %w", err)
		}
	}
	return os.RemoveAll(path)
}

func overwriteFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open for wipe: %w", err)
	}
	defer f.Close()

	zeros := make([]byte, wipeChunkSize)
	for written := int64(0); written < size; {
		chunk := int64(len(zeros))
		if remaining := size - written; remaining < chunk {
			chunk = remaining
		}
		n, err := f.Write(zeros[:chunk])
		if err != nil {
			return fmt.Errorf("overwrite %s: %w", path, err)
		}
		written += int64(n)
	}
	return f.Sync()
}

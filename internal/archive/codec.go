package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Codec abstracts the compress/verify/extract primitives so tests can inject
// deterministic failures and alternative formats can be swapped in.
type Codec interface {
	// Compress writes the payload at srcPath (file or directory) into an
	// archive at dstPath.
	Compress(srcPath, dstPath string) error
	// Verify checks that the archive at path is structurally readable.
	Verify(path string) error
	// Extract unpacks the archive at path into destDir.
	Extract(path, destDir string) error
}

// TarGzCodec is the default Codec: a gzip-compressed tar stream.
type TarGzCodec struct{}

func (TarGzCodec) Compress(srcPath, dstPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("stat payload: %w", err)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	base := filepath.Dir(srcPath)
	walkFn := func(path string, fi os.FileInfo) error {
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	}

	if info.IsDir() {
		err = filepath.Walk(srcPath, func(path string, fi os.FileInfo, werr error) error {
			if werr != nil {
				return werr
			}
			return walkFn(path, fi)
		})
	} else {
		err = walkFn(srcPath, info)
	}
	if err != nil {
		return fmt.Errorf("write archive entries: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize gzip stream: %w", err)
	}
	return out.Close()
}

// Verify walks every entry and drains its content, proving the archive
// decompresses end to end.
func (TarGzCodec) Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip header: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("read entry content: %w", err)
		}
		entries++
	}
	if entries == 0 {
		return fmt.Errorf("archive contains no entries")
	}
	return nil
}

func (TarGzCodec) Extract(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip header: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		// Reject entries that would escape the destination.
		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extract file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close extracted file: %w", err)
			}
		default:
			// Symlinks and specials are not expected in backup payloads.
			continue
		}
	}
}

package engine

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Pack writes the archive directory dir to w as a gzip-compressed tarball.
func Pack(dir string, w io.Writer) error {
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
		return NewPersistenceError("directory is not an archive", err).
			WithCode(ErrCodeArchiveMissing).WithDetail("path", dir)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return NewPersistenceError("failed to pack archive", err).WithCode(ErrCodePersistFailed)
	}

	if err := tw.Close(); err != nil {
		return NewPersistenceError("failed to finish tarball", err).WithCode(ErrCodePersistFailed)
	}
	if err := gz.Close(); err != nil {
		return NewPersistenceError("failed to finish compression", err).WithCode(ErrCodePersistFailed)
	}
	return nil
}

// Unpack extracts a tarball written by Pack into dir. Entries escaping dir
// are rejected.
func Unpack(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return NewPersistenceError("archive is not gzip-compressed", err).WithCode(ErrCodeArchiveCorrupt)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewPersistenceError("failed to create target directory", err).WithCode(ErrCodeLoadFailed)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return NewPersistenceError("failed to resolve target directory", err).WithCode(ErrCodeLoadFailed)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return NewPersistenceError("failed to read tarball", err).WithCode(ErrCodeArchiveCorrupt)
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return NewPersistenceError(fmt.Sprintf("entry %q escapes the target directory", hdr.Name), nil).
				WithCode(ErrCodeArchiveCorrupt)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return NewPersistenceError("failed to create directory", err).WithCode(ErrCodeLoadFailed)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return NewPersistenceError("failed to extract file", err).WithCode(ErrCodeLoadFailed)
			}
		default:
			return NewPersistenceError(fmt.Sprintf("unsupported entry type for %q", hdr.Name), nil).
				WithCode(ErrCodeArchiveCorrupt)
		}
	}
	return nil
}

func writeEntry(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

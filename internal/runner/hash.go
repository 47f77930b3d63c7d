package runner

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"realiser/internal/contentaddress"
	"strconv"

	"github.com/opencontainers/go-digest"
)

// HashPath hashes the file system object at path the way method serialises
// it. Flat and Text hash a regular file's content; the other methods hash a
// canonical walk of the tree including file modes and symlink targets. It
// also returns the number of content bytes hashed.
func HashPath(path string, method contentaddress.Method, algo digest.Algorithm) (digest.Digest, int64, error) {
	if !algo.Available() {
		return "", 0, fmt.Errorf("hash algorithm %q is not available", algo)
	}
	switch method {
	case contentaddress.Flat, contentaddress.Text:
		fi, err := os.Lstat(path)
		if err != nil {
			return "", 0, err
		}
		if !fi.Mode().IsRegular() {
			return "", 0, fmt.Errorf("%s: %s hashing requires a regular file", path, method)
		}
		f, err := os.Open(path)
		if err != nil {
			return "", 0, err
		}
		defer f.Close()
		d := algo.Digester()
		n, err := io.Copy(d.Hash(), f)
		if err != nil {
			return "", 0, err
		}
		return d.Digest(), n, nil
	default:
		return hashTree(path, algo)
	}
}

func hashTree(root string, algo digest.Algorithm) (digest.Digest, int64, error) {
	d := algo.Digester()
	h := d.Hash()
	var size int64

	// WalkDir visits entries in lexical order, which makes the walk canonical.
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			writeField(h, "symlink", rel, target)
		case entry.IsDir():
			writeField(h, "directory", rel)
		case info.Mode().IsRegular():
			executable := info.Mode()&0o111 != 0
			writeField(h, "regular", rel, strconv.FormatBool(executable), strconv.FormatInt(info.Size(), 10))
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			n, err := io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
			size += n
		default:
			return fmt.Errorf("%s: unsupported file type %s", p, info.Mode().Type())
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return d.Digest(), size, nil
}

func writeField(w io.Writer, fields ...string) {
	for _, f := range fields {
		_, _ = io.WriteString(w, strconv.Itoa(len(f))+":"+f+"\x00")
	}
}

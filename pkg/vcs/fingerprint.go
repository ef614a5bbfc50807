package vcs

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// TreeFingerprint hashes the directory's file paths and contents into a
// stable hex digest. Two trees with identical files produce identical
// fingerprints, which is how rollback verifies it restored working-tree
// equivalence. The .git directory and the configured exclude globs are
// skipped. WalkDir's lexical order keeps the digest deterministic.
func (g *Git) TreeFingerprint(dir string) (string, error) {
	h := blake3.New()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".git" {
				return filepath.SkipDir
			}
			if rel != "." && g.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if g.excluded(rel) {
			return nil
		}

		// Path and content are separated by NUL so "a"+"bc" can never
		// collide with "ab"+"c".
		h.Write([]byte(rel))
		h.Write([]byte{0})

		if d.Type()&fs.ModeSymlink != 0 {
			target, lerr := os.Readlink(path)
			if lerr != nil {
				return lerr
			}
			h.Write([]byte(target))
		} else {
			f, oerr := os.Open(path)
			if oerr != nil {
				return oerr
			}
			if _, cerr := io.Copy(h, f); cerr != nil {
				_ = f.Close()
				return cerr
			}
			_ = f.Close()
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", dir, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

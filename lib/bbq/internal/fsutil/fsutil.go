// Package fsutil holds the small filesystem helpers shared by queue and
// dispatcher: content-addressed path derivation and crash-safe writes.
// Grounded on the teacher's goqite-derived storage conventions, adapted from
// SQL rows to a one-file-per-message layout (see spec §4.1, §6).
package fsutil

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// HashName returns the hex MD5 digest of name, used to derive a stable,
// fixed-length directory/file name from an arbitrary queue or message name.
func HashName(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// QueueDir returns the directory a queue named name stores its state under,
// rooted at root: <root>/<md5(name)>.
func QueueDir(root, name string) string {
	return filepath.Join(root, HashName(name))
}

// MsgDir returns the directory holding message bodies for the queue rooted
// at queueDir: <queueDir>/msgs.
func MsgDir(queueDir string) string {
	return filepath.Join(queueDir, "msgs")
}

// MsgPath returns the on-disk path for a message with the given id, within
// msgDir: <msgDir>/<md5(id)>.knmbbq.
func MsgPath(msgDir, id string) string {
	return filepath.Join(msgDir, HashName(id)+".knmbbq")
}

// MetaPath returns the metadata snapshot path for a queue directory:
// <queueDir>/metaq.json.
func MetaPath(queueDir string) string {
	return filepath.Join(queueDir, "metaq.json")
}

// EnsureDir creates dir (and any missing parents) if it does not already
// exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsutil: ensure dir %q: %w", dir, err)
	}
	return nil
}

// WriteFileAtomic writes data to path by first writing to a sibling temp
// file and renaming it into place, so a concurrent reader (or a crash
// mid-write) never observes a partially-written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsutil: create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsutil: write temp file %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fsutil: close temp file %q: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fsutil: chmod temp file %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fsutil: rename %q to %q: %w", tmpName, path, err)
	}
	return nil
}

// Exists reports whether path exists (regardless of type).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package lbconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	backupTimeLayout    = "20060102-150405"
	maxBackupsPerSecond = 1000
)

// FileStore persists the live configuration. Writes go through a temporary
// file in the same directory followed by a rename, so readers only ever see
// the old or the new content.
type FileStore struct {
	Path string
	// BackupRetention is the number of .bak.<timestamp> files kept; 0 keeps
	// none.
	BackupRetention int

	now func() time.Time
}

// NewFileStore creates a store for path.
func NewFileStore(path string, backupRetention int) *FileStore {
	return &FileStore{Path: path, BackupRetention: backupRetention, now: time.Now}
}

// Load returns the live configuration. exists is false when the file has
// never been written.
func (s *FileStore) Load() (content []byte, exists bool, err error) {
	content, err = os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read config failed: %w", err)
	}
	return content, true, nil
}

// Write atomically replaces the live configuration with content.
func (s *FileStore) Write(content []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir failed: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(s.Path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config failed: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config failed: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod temp config failed: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("replace config failed: %w", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// Remove deletes the live configuration. Used to undo a cold-start write.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove config failed: %w", err)
	}
	syncDir(filepath.Dir(s.Path))
	return nil
}

// Backup writes content to <path>.bak.<timestamp> and prunes old backups
// beyond the retention limit. Backups taken within the same second get a
// .<n> suffix. It returns the backup path, or "" when retention is disabled.
func (s *FileStore) Backup(content []byte) (string, error) {
	if s.BackupRetention <= 0 {
		return "", nil
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	base := s.Path + ".bak." + now().Format(backupTimeLayout)

	var (
		f          *os.File
		backupPath string
		err        error
	)
	for seq := 0; seq < maxBackupsPerSecond; seq++ {
		backupPath = base
		if seq > 0 {
			backupPath = base + "." + strconv.Itoa(seq)
		}
		f, err = os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("create backup failed: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(backupPath)
		return "", fmt.Errorf("write backup failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(backupPath)
		return "", fmt.Errorf("close backup failed: %w", err)
	}

	if err := s.pruneBackups(); err != nil {
		return backupPath, err
	}
	return backupPath, nil
}

// Backups lists backup files, oldest first.
func (s *FileStore) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.Path + ".bak.*")
	if err != nil {
		return nil, fmt.Errorf("list backups failed: %w", err)
	}

	type backupFile struct {
		path  string
		stamp string
		seq   int
	}
	prefix := s.Path + ".bak."
	var found []backupFile
	for _, m := range matches {
		stamp, suffix, hasSuffix := strings.Cut(strings.TrimPrefix(m, prefix), ".")
		if _, err := time.Parse(backupTimeLayout, stamp); err != nil {
			continue
		}
		seq := 0
		if hasSuffix {
			if seq, err = strconv.Atoi(suffix); err != nil || seq <= 0 {
				continue
			}
		}
		found = append(found, backupFile{path: m, stamp: stamp, seq: seq})
	}
	// The timestamp layout sorts lexically in time order.
	sort.Slice(found, func(i, j int) bool {
		if found[i].stamp != found[j].stamp {
			return found[i].stamp < found[j].stamp
		}
		return found[i].seq < found[j].seq
	})

	backups := make([]string, len(found))
	for i, b := range found {
		backups[i] = b.path
	}
	return backups, nil
}

func (s *FileStore) pruneBackups() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	for len(backups) > s.BackupRetention {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("prune backup failed: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

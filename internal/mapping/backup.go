package mapping

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// backupStamp sorts lexically in chronological order.
const backupStamp = "20060102T150405.000000000"

// BackupInfo describes a backup file.
type BackupInfo struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) backupDir() string {
	if s.opts.BackupDir != "" {
		return s.opts.BackupDir
	}
	return filepath.Join(filepath.Dir(s.opts.Path), ".eltag-backups")
}

func (s *Store) backupPrefix() string {
	return filepath.Base(s.opts.Path) + "."
}

// backup copies the current mapping file into the backup directory and
// prunes the oldest backups beyond MaxBackups. A missing mapping file is
// not an error.
func (s *Store) backup(now time.Time) error {
	src, err := os.Open(s.opts.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	dir := s.backupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(dir, s.backupPrefix()+now.UTC().Format(backupStamp)+".bak")
	dst, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return s.prune()
}

func (s *Store) prune() error {
	if s.opts.MaxBackups <= 0 {
		return nil
	}
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	for i := s.opts.MaxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune backup %s: %w", backups[i].Path, err)
		}
	}
	return nil
}

// Backups lists the backups of this store's mapping file, newest first.
func (s *Store) Backups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := s.backupPrefix()
	var out []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bak") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bak")
		created, err := time.Parse(backupStamp, stamp)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			Path:      filepath.Join(s.backupDir(), name),
			Size:      info.Size(),
			CreatedAt: created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backup copies the current shard set and catalogues into
// backups/<name>/. Pending records are flushed first so the backup is
// complete.
func (s *Store) Backup(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.config.EnableBackups {
		return fmt.Errorf("backups disabled")
	}
	if err := s.flushLocked(); err != nil {
		return err
	}

	dest := filepath.Join(s.config.Dir, "backups", sanitizeID(name))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			switch entry.Name() {
			case "lexical_graphs", "domain_graphs", "cross_graph_links":
				if err := copyDir(filepath.Join(s.config.Dir, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
					return err
				}
			}
			continue
		}
		if entry.Name() == "wal.log" {
			continue // flush above made the WAL empty
		}
		if err := copyFile(filepath.Join(s.config.Dir, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	s.logger.Info("backup written", zap.String("name", name))
	return nil
}

// Restore clears the live shard set and copies a named backup back in.
// The caller reloads afterwards.
func (s *Store) Restore(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	source := filepath.Join(s.config.Dir, "backups", sanitizeID(name))
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("%w: %s", ErrNoSuchBackup, name)
	}

	// Drop live shards and catalogues.
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			switch name {
			case "lexical_graphs", "domain_graphs", "cross_graph_links":
				if err := os.RemoveAll(filepath.Join(s.config.Dir, name)); err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Join(s.config.Dir, name), 0o755); err != nil {
					return err
				}
			}
			continue
		}
		if name == "wal.log" {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.Dir, name)); err != nil {
			return err
		}
	}
	s.pendingNodes = nil
	s.pendingEdges = nil
	s.pendingDeletions = nil
	if s.wal != nil {
		if err := s.wal.truncate(); err != nil {
			return err
		}
	}

	return copyDir(source, s.config.Dir)
}

// Backups lists backup names, sorted.
func (s *Store) Backups() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.config.Dir, "backups"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// PruneBackups removes backups older than the retention window, returning
// the pruned names.
func (s *Store) PruneBackups(now time.Time) ([]string, error) {
	if s.config.BackupRetentionDays <= 0 {
		return nil, nil
	}
	cutoff := now.AddDate(0, 0, -s.config.BackupRetentionDays)

	base := filepath.Join(s.config.Dir, "backups")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pruned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(base, entry.Name())); err != nil {
				return pruned, err
			}
			pruned = append(pruned, entry.Name())
		}
	}
	return pruned, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		// Never descend into a nested backups directory.
		if info.IsDir() && strings.HasPrefix(rel, "backups") {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

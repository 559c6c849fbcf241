package bundle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Write materializes a bundle set under dir atomically: files land in a
// staging sibling first and the staging directory is renamed into place only
// when every file is on disk. An aborted run leaves no partial bundle at dir.
func Write(dir string, files map[string][]byte, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if len(files) == 0 {
		return fmt.Errorf("write bundle: no files to write")
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("write bundle: %s already exists", dir)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	staging, err := os.MkdirTemp(parent, filepath.Base(dir)+".partial-")
	if err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	defer os.RemoveAll(staging)

	for name, data := range files {
		p := filepath.Join(staging, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("write bundle: %w", err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return fmt.Errorf("write bundle %s: %w", name, err)
		}
	}

	if err := os.Rename(staging, dir); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	logger.Info("bundle written", slog.String("dir", dir), slog.Int("files", len(files)))
	return nil
}

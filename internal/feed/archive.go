package feed

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// archiveDump gzips src into archiveDir as <name>.gz and removes src. src is
// only removed once the archive is fully written.
func archiveDump(src, archiveDir string) (err error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer in.Close()

	dest := filepath.Join(archiveDir, filepath.Base(src)+".gz")
	out, err := os.CreateTemp(archiveDir, "archive-*.gz.tmp")
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)

	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return fmt.Errorf("compress dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	if err := os.Rename(out.Name(), dest); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}

	if err := in.Close(); err != nil {
		return fmt.Errorf("close dump: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove archived dump: %w", err)
	}
	return nil
}

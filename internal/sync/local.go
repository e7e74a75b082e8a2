package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
)

// LocalDriver watches a local folder, non-recursively. The source key binds
// the absolute path to the file's mtime, so a touched file is re-ingested as
// a new version.
type LocalDriver struct {
	sink   Sink
	logger *zap.Logger
}

// NewLocalDriver creates a local folder driver.
func NewLocalDriver(sink Sink, logger *zap.Logger) *LocalDriver {
	return &LocalDriver{sink: sink, logger: logger}
}

// Sync scans the connection's folder and ingests new candidate files.
func (d *LocalDriver) Sync(ctx context.Context, conn *entity.Connection, _ *entity.SyncState) (int, error) {
	dir := conn.Path
	if dir == "" {
		return 0, fmt.Errorf("local connection %s has no path", conn.ID)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read watched folder: %w", err)
	}

	added := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		if e.IsDir() || !IsCandidate(e.Name()) {
			continue
		}

		full := filepath.Join(dir, e.Name())
		abs, err := filepath.Abs(full)
		if err != nil {
			abs = full
		}
		info, err := e.Info()
		if err != nil {
			d.logger.Warn("Failed to stat candidate file",
				zap.String("path", full), zap.Error(err))
			continue
		}

		sourceKey := fmt.Sprintf("local:%s:%d", abs, info.ModTime().UnixMilli())
		if alreadyIngested(d.sink, sourceKey) {
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			d.logger.Warn("Failed to read candidate file",
				zap.String("path", full), zap.Error(err))
			continue
		}

		_, err = d.sink.AddInvoice(ctx, entity.SourceStorage, data, inbox.Metadata{
			FileName:   e.Name(),
			FileType:   mimeFor(e.Name()),
			FileSize:   info.Size(),
			SourceKey:  sourceKey,
			SourcePath: abs,
		})
		if err != nil {
			d.logger.Error("Failed to ingest local file",
				zap.String("path", full), zap.Error(err))
			continue
		}
		added++
	}

	return added, nil
}

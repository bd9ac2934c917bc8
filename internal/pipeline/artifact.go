package pipeline

import (
	"context"
	"fmt"

	"klinesync/internal/domain"
)

// Snapshotter reads the full bar table.
type Snapshotter interface {
	ReadAll(ctx context.Context) ([]domain.Bar, error)
}

// ArchiveWriter serializes a bar snapshot to a file.
type ArchiveWriter interface {
	Write(path string, bars []domain.Bar, runner domain.Runner) error
}

// ArtifactPublisher dumps the store to the backup artifact path.
type ArtifactPublisher struct {
	Store   Snapshotter
	Archive ArchiveWriter
	Path    string
}

var _ Publisher = (*ArtifactPublisher)(nil)

// Publish implements Publisher.
func (p *ArtifactPublisher) Publish(ctx context.Context, runner domain.Runner) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("no artifact path configured")
	}
	bars, err := p.Store.ReadAll(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshotting store: %w", err)
	}
	if err := p.Archive.Write(p.Path, bars, runner); err != nil {
		return "", err
	}
	return p.Path, nil
}

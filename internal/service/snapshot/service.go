package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/storage"
)

// ErrEmptyProject rejects snapshotting a project with no files; an empty
// archive is indistinguishable from a failed capture at restore time.
var ErrEmptyProject = errors.New("project has no files to snapshot")

// Service captures and restores point-in-time copies of a project's file
// set. A snapshot is complete or it does not exist; there is no partial
// capture path.
type Service struct {
	projects  repository.ProjectRepository
	snapshots repository.SnapshotRepository
	blobs     storage.BlobStore
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a snapshot service.
func New(projects repository.ProjectRepository, snapshots repository.SnapshotRepository, blobs storage.BlobStore, logger *slog.Logger) *Service {
	return &Service{
		projects:  projects,
		snapshots: snapshots,
		blobs:     blobs,
		logger:    logger,
		now:       time.Now,
	}
}

// Create captures the project's complete file set and returns the snapshot
// id. The file listing runs as a single consistent read, so writers racing
// the capture cannot tear it.
func (s *Service) Create(ctx context.Context, projectID, reason string) (string, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return "", err
	}
	files, err := s.projects.ListProjectFiles(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("list project files: %w", err)
	}
	if len(files) == 0 {
		return "", ErrEmptyProject
	}

	archive, err := packArchive(files)
	if err != nil {
		return "", fmt.Errorf("pack snapshot archive: %w", err)
	}

	id := uuid.NewString()
	key := fmt.Sprintf("snapshots/%s/%s.tar.gz", projectID, id)
	if err := s.blobs.Put(ctx, key, archive); err != nil {
		return "", fmt.Errorf("store snapshot blob: %w", err)
	}

	snap := &domain.Snapshot{
		ID:        id,
		ProjectID: projectID,
		Reason:    reason,
		BlobKey:   key,
		FileCount: len(files),
		SizeBytes: int64(len(archive)),
		CreatedAt: s.now().UTC(),
	}
	if err := s.snapshots.CreateSnapshot(ctx, snap); err != nil {
		// metadata write failed: drop the orphaned blob, best effort
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to delete orphaned snapshot blob", "key", key, "error", delErr)
		}
		return "", fmt.Errorf("persist snapshot metadata: %w", err)
	}

	s.logger.Info("snapshot created", "snapshot_id", id, "project_id", projectID, "files", len(files), "bytes", snap.SizeBytes)
	return id, nil
}

// Get returns snapshot metadata.
func (s *Service) Get(ctx context.Context, snapshotID string) (*domain.Snapshot, error) {
	return s.snapshots.GetSnapshotByID(ctx, snapshotID)
}

// Restore replaces the project's file set with the snapshot's contents.
func (s *Service) Restore(ctx context.Context, snapshotID, projectID string) error {
	snap, err := s.snapshots.GetSnapshotByID(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.ProjectID != projectID {
		return repository.ErrNotFound
	}

	archive, err := s.blobs.Get(ctx, snap.BlobKey)
	if err != nil {
		return fmt.Errorf("fetch snapshot blob: %w", err)
	}
	files, err := unpackArchive(projectID, archive)
	if err != nil {
		return fmt.Errorf("unpack snapshot archive: %w", err)
	}
	if err := s.projects.ReplaceProjectFiles(ctx, projectID, files); err != nil {
		return fmt.Errorf("restore project files: %w", err)
	}

	s.logger.Info("snapshot restored", "snapshot_id", snapshotID, "project_id", projectID, "files", len(files))
	return nil
}

func packArchive(files []domain.ProjectFile) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Path,
			Mode:    0o644,
			Size:    int64(len(f.Content)),
			ModTime: f.UpdatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpackArchive(projectID string, archive []byte) ([]domain.ProjectFile, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var files []domain.ProjectFile
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files = append(files, domain.ProjectFile{
			ProjectID: projectID,
			Path:      hdr.Name,
			Content:   content,
			UpdatedAt: hdr.ModTime,
		})
	}
	return files, nil
}

package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
	"github.com/duocast/backend/pkg/storage"
)

// ObjectStore is the object storage surface the assembler needs.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, key, localPath, contentType string) (string, error)
	Delete(ctx context.Context, keys ...string) error
}

// ManifestStore resolves a recording and its confirmed chunk manifest.
type ManifestStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	ListConfirmedChunks(ctx context.Context, recordingID uuid.UUID, role string) ([]models.Chunk, error)
}

// Result is a finished assembly.
type Result struct {
	VideoURL        string
	DurationSeconds float64
}

// Assembler turns a recording's confirmed chunks into one final video:
// per-role concatenation in timeline order, a black placeholder when a
// role uploaded nothing, then a side-by-side composite. The final object
// is written to a deterministic key, so re-running an assembly overwrites
// the previous artifact rather than duplicating it.
type Assembler struct {
	store    ObjectStore
	manifest ManifestStore
	tools    ToolExecutor
	workDir  string
	logger   *zap.Logger
}

// New creates an assembler. workDir is the scratch space for downloads and
// intermediate files; empty means the system temp dir.
func New(store ObjectStore, manifest ManifestStore, tools ToolExecutor, workDir string, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: store, manifest: manifest, tools: tools, workDir: workDir, logger: logger}
}

// Assemble produces the final video for a recording. Returns
// models.ErrNotFound when the recording was deleted mid-flight, which
// callers treat as cancellation rather than failure.
func (a *Assembler) Assemble(ctx context.Context, roomID string, recordingID uuid.UUID) (*Result, error) {
	if err := a.checkCancelled(ctx, recordingID); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(a.workDir, "assemble-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	hostTrack, err := a.buildRoleTrack(ctx, dir, recordingID, models.RoleHost)
	if err != nil {
		return nil, err
	}
	guestTrack, err := a.buildRoleTrack(ctx, dir, recordingID, models.RoleGuest)
	if err != nil {
		return nil, err
	}
	if hostTrack == "" && guestTrack == "" {
		return nil, fmt.Errorf("%w: no confirmed chunks for room %s", models.ErrProcessing, roomID)
	}

	if err := a.checkCancelled(ctx, recordingID); err != nil {
		return nil, err
	}

	// one side missing: synthesize a placeholder matching the other's length
	if hostTrack == "" {
		hostTrack, err = a.placeholderFor(ctx, dir, guestTrack, models.RoleHost)
	} else if guestTrack == "" {
		guestTrack, err = a.placeholderFor(ctx, dir, hostTrack, models.RoleGuest)
	}
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(dir, "final_video.mp4")
	if err := a.tools.MergeSideBySide(ctx, hostTrack, guestTrack, finalPath); err != nil {
		return nil, err
	}
	duration, err := a.tools.Duration(ctx, finalPath)
	if err != nil {
		return nil, err
	}

	// last cancellation gate before publishing the artifact
	if err := a.checkCancelled(ctx, recordingID); err != nil {
		return nil, err
	}

	url, err := a.store.Upload(ctx, storage.FinalKey(roomID), finalPath, "video/mp4")
	if err != nil {
		return nil, err
	}
	a.cleanupChunks(ctx, roomID)

	a.logger.Info("assembly finished",
		zap.String("room_id", roomID),
		zap.Float64("duration_seconds", duration))
	return &Result{VideoURL: url, DurationSeconds: duration}, nil
}

// buildRoleTrack downloads a role's confirmed chunks and concatenates them
// in timeline order. Returns "" when the role uploaded nothing.
func (a *Assembler) buildRoleTrack(ctx context.Context, dir string, recordingID uuid.UUID, role string) (string, error) {
	chunks, err := a.manifest.ListConfirmedChunks(ctx, recordingID, role)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", nil
	}
	// the store orders by start_ms already; keep the guarantee local too
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].StartMs != chunks[j].StartMs {
			return chunks[i].StartMs < chunks[j].StartMs
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	listPath := filepath.Join(dir, role+"_chunks.txt")
	listFile, err := os.Create(listPath)
	if err != nil {
		return "", fmt.Errorf("create concat list: %w", err)
	}
	for i, c := range chunks {
		local := filepath.Join(dir, fmt.Sprintf("%s_%04d%s", role, i, filepath.Ext(c.StorageKey)))
		if err := a.store.Download(ctx, c.StorageKey, local); err != nil {
			listFile.Close()
			return "", err
		}
		if _, err := fmt.Fprintf(listFile, "file '%s'\n", local); err != nil {
			listFile.Close()
			return "", err
		}
	}
	if err := listFile.Close(); err != nil {
		return "", err
	}

	out := filepath.Join(dir, role+".mp4")
	if err := a.tools.Concat(ctx, listPath, out); err != nil {
		return "", err
	}
	return out, nil
}

func (a *Assembler) placeholderFor(ctx context.Context, dir, referenceTrack, role string) (string, error) {
	duration, err := a.tools.Duration(ctx, referenceTrack)
	if err != nil {
		return "", err
	}
	a.logger.Info("synthesizing placeholder track",
		zap.String("role", role), zap.Float64("duration_seconds", duration))
	out := filepath.Join(dir, role+"_placeholder.mp4")
	if err := a.tools.BlankClip(ctx, duration, out); err != nil {
		return "", err
	}
	return out, nil
}

// checkCancelled aborts when the context is done or the recording no
// longer exists (deleted while the job was in flight).
func (a *Assembler) checkCancelled(ctx context.Context, recordingID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.manifest.GetByID(ctx, recordingID); err != nil {
		return err
	}
	return nil
}

// cleanupChunks removes the room's raw chunk objects, keeping only the
// final artifact. Failures are logged, not fatal: the result already stands.
func (a *Assembler) cleanupChunks(ctx context.Context, roomID string) {
	keys, err := a.store.List(ctx, storage.ChunkPrefix(roomID))
	if err != nil {
		a.logger.Warn("list chunk objects for cleanup failed", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := a.store.Delete(ctx, keys...); err != nil {
		a.logger.Warn("delete chunk objects failed", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	a.logger.Info("chunk objects cleaned up", zap.String("room_id", roomID), zap.Int("count", len(keys)))
}

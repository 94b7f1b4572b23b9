package coordinator

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StagedArtifact is an on-disk copy of a request input or output payload,
// owned by exactly one request's scope and removed when that scope closes.
type StagedArtifact struct {
	ID        string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Refresh re-reads the artifact's size from disk. Output artifacts are
// allocated empty and populated by a capability, so the size is only
// meaningful once the conversion finished.
func (a *StagedArtifact) Refresh() error {
	info, err := os.Stat(a.Path)
	if err != nil {
		return err
	}
	a.Size = info.Size()
	return nil
}

// ArtifactManager owns the staging root and hands out per-request scopes.
// Paths are derived from UUIDs, never from user-supplied names, so concurrent
// requests cannot observe each other's artifacts.
type ArtifactManager struct {
	root   string
	logger *slog.Logger
}

// NewArtifactManager prepares the staging root directory.
func NewArtifactManager(root string, logger *slog.Logger) (*ArtifactManager, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "kitsapi-staging")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o700); err != nil {
		return nil, fmt.Errorf("prepare staging root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactManager{root: absRoot, logger: logger}, nil
}

// Root exposes the staging root, primarily for health reporting.
func (m *ArtifactManager) Root() string {
	return m.root
}

// NewScope creates a private staging directory for one request. The caller
// must close the scope on every exit path; Close removes the directory and
// everything staged inside it.
func (m *ArtifactManager) NewScope() (*Scope, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, &StagingError{Stage: "scope", Err: err}
	}
	return &Scope{id: id, dir: dir, logger: m.logger}, nil
}

// Scope tracks the artifacts staged for a single request.
type Scope struct {
	id     string
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	artifacts []*StagedArtifact
	closed    bool
}

// ID returns the scope's unique identifier.
func (s *Scope) ID() string {
	return s.id
}

// StageInput persists an incoming byte stream under a unique name. On write
// failure the partial file is removed and a StagingError is returned; no
// artifact is left behind.
func (s *Scope) StageInput(src io.Reader, nameHint string) (*StagedArtifact, error) {
	artifact, file, err := s.allocate(filepath.Ext(nameHint))
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(file, src)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.forget(artifact)
		_ = os.Remove(artifact.Path)
		return nil, &StagingError{Stage: "input", Err: err}
	}
	artifact.Size = written
	return artifact, nil
}

// AllocateOutput reserves a unique output location without writing content.
// The capability populates it; the size is read back once conversion is done.
func (s *Scope) AllocateOutput(extHint string) (*StagedArtifact, error) {
	artifact, file, err := s.allocate(extHint)
	if err != nil {
		return nil, err
	}
	if err := file.Close(); err != nil {
		s.forget(artifact)
		_ = os.Remove(artifact.Path)
		return nil, &StagingError{Stage: "output", Err: err}
	}
	return artifact, nil
}

func (s *Scope) allocate(ext string) (*StagedArtifact, *os.File, error) {
	ext = normalizeExt(ext)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, &StagingError{Stage: "scope", Err: fmt.Errorf("scope %s already closed", s.id)}
	}
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+ext)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, &StagingError{Stage: "allocate", Err: err}
	}
	artifact := &StagedArtifact{ID: id, Path: path, CreatedAt: time.Now().UTC()}
	s.artifacts = append(s.artifacts, artifact)
	return artifact, file, nil
}

func (s *Scope) forget(artifact *StagedArtifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.artifacts {
		if candidate == artifact {
			s.artifacts = append(s.artifacts[:i], s.artifacts[i+1:]...)
			return
		}
	}
}

// Artifacts returns the artifacts currently tracked by the scope.
func (s *Scope) Artifacts() []*StagedArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StagedArtifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// Close deletes the scope directory and every artifact inside it. Cleanup
// failures are logged, never escalated, so they cannot mask the request's
// real outcome. Close is safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.artifacts = nil
	s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Error("staging cleanup failed", "scope_id", s.id, "error", err)
	}
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(strings.ToLower(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	// Extensions come from user-supplied filenames; keep only a plain
	// suffix so they cannot influence the directory layout.
	if strings.ContainsAny(ext[1:], `/\.`) {
		return ""
	}
	return ext
}

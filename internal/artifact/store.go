// Package artifact provides path-addressed, append-only storage of phase
// outputs under a run-scoped directory. Artifacts marked immutable are
// write-once: a later write with divergent content fails with an
// ImmutableViolationError and leaves the stored content unchanged, while a
// byte-identical rewrite is an idempotent no-op. Locked artifacts also
// record the worktree file they came from, so a later phase cannot rewrite
// the same source file under its own namespace directory.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ref describes a stored artifact.
type Ref struct {
	// Path is the artifact path relative to the run namespace.
	Path string `json:"path"`

	// Phase is the name of the phase that produced the artifact.
	Phase string `json:"phase"`

	// Hash is the hex-encoded SHA-256 of the content.
	Hash string `json:"hash"`

	// Immutable marks the artifact write-once.
	Immutable bool `json:"immutable"`
}

// Store manages run-scoped artifact namespaces under a root directory.
// Each feature gets its own namespace; parallel runs never collide.
type Store struct {
	root       string
	archiveDir string
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*RunStore
}

// NewStore creates a store rooted at root, archiving closed runs to archiveDir.
func NewStore(root, archiveDir string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
	}
	return &Store{
		root:       root,
		archiveDir: archiveDir,
		logger:     logger,
		runs:       make(map[string]*RunStore),
	}, nil
}

// Root returns the store's active-run root directory.
func (s *Store) Root() string { return s.root }

// Run returns the namespace for a feature, creating it if needed.
// Immutability flags recorded in an existing run manifest survive restarts.
func (s *Store) Run(feature string) (*RunStore, error) {
	if err := validateName(feature); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rs, ok := s.runs[feature]; ok {
		return rs, nil
	}

	dir := filepath.Join(s.root, feature)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run namespace %s: %w", dir, err)
	}

	rs := &RunStore{
		feature:   feature,
		dir:       dir,
		logger:    s.logger.Named("artifacts").With(zap.String("feature", feature)),
		artifacts: make(map[string]Ref),
		previous:  make(map[string][]byte),
		sources:   make(map[string]Ref),
	}

	// Recover immutability flags and source locks from a prior manifest.
	if m, err := LoadManifest(dir); err == nil && m != nil {
		for path, rec := range m.Artifacts {
			rs.artifacts[path] = Ref{
				Path:      path,
				Phase:     rec.Phase,
				Hash:      rec.Hash,
				Immutable: rec.Immutable,
			}
		}
		for source, rec := range m.Sources {
			rs.sources[source] = Ref{
				Path:      source,
				Phase:     rec.Phase,
				Hash:      rec.Hash,
				Immutable: true,
			}
		}
	}

	s.runs[feature] = rs
	return rs, nil
}

// Archive moves a closed run namespace to cold storage. The archived
// directory is suffixed with a UTC timestamp so repeated runs of the same
// feature never collide.
func (s *Store) Archive(feature string) (string, error) {
	if err := validateName(feature); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := filepath.Join(s.root, feature)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("run namespace %s not found: %w", feature, err)
	}
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	dst := filepath.Join(s.archiveDir, fmt.Sprintf("%s-%s", feature, time.Now().UTC().Format("20060102T150405Z")))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to archive run %s: %w", feature, err)
	}

	delete(s.runs, feature)
	s.logger.Info("archived run", zap.String("feature", feature), zap.String("path", dst))
	return dst, nil
}

// RunStore is the artifact namespace for a single run.
type RunStore struct {
	feature string
	dir     string
	logger  *zap.Logger

	mu        sync.Mutex
	artifacts map[string]Ref
	// previous holds the prior content of mutable artifacts so a bad
	// change can be reverted without touching VCS history.
	previous map[string][]byte
	// sources maps worktree-relative file paths to the ref that locked
	// them. Storage paths are namespaced per phase, so cross-phase
	// immutability is enforced on the source path, not the storage path.
	sources map[string]Ref
}

// Feature returns the feature name owning this namespace.
func (rs *RunStore) Feature() string { return rs.feature }

// Dir returns the namespace directory on disk.
func (rs *RunStore) Dir() string { return rs.dir }

// Write stores content at path. If the path already holds an immutable
// artifact with different content the write fails with an
// ImmutableViolationError and the stored content is left unchanged. A
// byte-identical rewrite of an immutable artifact is an idempotent no-op.
func (rs *RunStore) Write(path string, content []byte, phase string, immutable bool) (Ref, error) {
	rel, err := rs.resolve(path)
	if err != nil {
		return Ref{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	hash := hashContent(content)

	if existing, ok := rs.artifacts[rel]; ok && existing.Immutable {
		if existing.Hash == hash {
			return existing, nil
		}
		return Ref{}, &ImmutableViolationError{
			Path:          rel,
			StoredHash:    existing.Hash,
			AttemptedHash: hash,
		}
	}

	abs := filepath.Join(rs.dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Ref{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	// Keep the prior content of mutable artifacts for revert.
	if prior, err := os.ReadFile(abs); err == nil {
		rs.previous[rel] = prior
	}

	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return Ref{}, fmt.Errorf("failed to write artifact %s: %w", rel, err)
	}

	ref := Ref{Path: rel, Phase: phase, Hash: hash, Immutable: immutable}
	rs.artifacts[rel] = ref

	rs.logger.Debug("wrote artifact",
		zap.String("path", rel),
		zap.String("phase", phase),
		zap.Bool("immutable", immutable),
	)
	return ref, nil
}

// Read returns the content stored at path.
func (rs *RunStore) Read(path string) ([]byte, error) {
	rel, err := rs.resolve(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(rs.dir, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", rel, err)
	}
	return content, nil
}

// Exists reports whether an artifact is stored at path.
func (rs *RunStore) Exists(path string) bool {
	rel, err := rs.resolve(path)
	if err != nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.artifacts[rel]
	return ok
}

// List returns all stored artifact paths with the given prefix, sorted.
func (rs *RunStore) List(prefix string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var paths []string
	for p := range rs.artifacts {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Revert restores the previous content of a mutable artifact. Reverting an
// immutable artifact is itself a violation: immutable content never changes,
// so there is nothing to restore.
func (rs *RunStore) Revert(path string) error {
	rel, err := rs.resolve(path)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	ref, ok := rs.artifacts[rel]
	if !ok {
		return fmt.Errorf("artifact %s not found", rel)
	}
	if ref.Immutable {
		return &ImmutableViolationError{Path: rel, StoredHash: ref.Hash}
	}

	prior, ok := rs.previous[rel]
	if !ok {
		// No prior version: the artifact is new, remove it entirely.
		if err := os.Remove(filepath.Join(rs.dir, rel)); err != nil {
			return fmt.Errorf("failed to remove artifact %s: %w", rel, err)
		}
		delete(rs.artifacts, rel)
		rs.logger.Info("reverted new artifact", zap.String("path", rel))
		return nil
	}

	if err := os.WriteFile(filepath.Join(rs.dir, rel), prior, 0o644); err != nil {
		return fmt.Errorf("failed to revert artifact %s: %w", rel, err)
	}
	ref.Hash = hashContent(prior)
	rs.artifacts[rel] = ref
	delete(rs.previous, rel)

	rs.logger.Info("reverted artifact", zap.String("path", rel))
	return nil
}

// Lock marks the stored artifact at path immutable and records source, the
// worktree-relative file it was copied from, for cross-phase enforcement.
// Locking an already locked artifact is a no-op.
func (rs *RunStore) Lock(path, source string) error {
	rel, err := rs.resolve(path)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	ref, ok := rs.artifacts[rel]
	if !ok {
		return fmt.Errorf("artifact %s not found", rel)
	}
	ref.Immutable = true
	rs.artifacts[rel] = ref
	delete(rs.previous, rel)
	rs.sources[source] = ref

	rs.logger.Debug("locked artifact",
		zap.String("path", rel),
		zap.String("source", source),
	)
	return nil
}

// CheckSource verifies that storing content for the worktree file at source
// would not diverge from a version locked by an earlier phase. The locking
// phase may still rewrite its own source while it is running, and identical
// content never violates.
func (rs *RunStore) CheckSource(source string, content []byte, phase string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ref, ok := rs.sources[source]
	if !ok || ref.Phase == phase {
		return nil
	}
	if hash := hashContent(content); hash != ref.Hash {
		return &ImmutableViolationError{
			Path:          source,
			StoredHash:    ref.Hash,
			AttemptedHash: hash,
		}
	}
	return nil
}

// SourceRefs returns a snapshot of the source locks keyed by worktree path.
func (rs *RunStore) SourceRefs() map[string]Ref {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make(map[string]Ref, len(rs.sources))
	for k, v := range rs.sources {
		out[k] = v
	}
	return out
}

// Refs returns a snapshot of all artifact refs keyed by path.
func (rs *RunStore) Refs() map[string]Ref {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make(map[string]Ref, len(rs.artifacts))
	for k, v := range rs.artifacts {
		out[k] = v
	}
	return out
}

// resolve normalizes an artifact path and rejects escapes from the namespace.
func (rs *RunStore) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("artifact path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("artifact path must be relative: %s", path)
	}
	rel := filepath.ToSlash(filepath.Clean(path))
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("artifact path escapes run namespace: %s", path)
	}
	return rel, nil
}

// validateName rejects feature names that would escape the store root.
func validateName(feature string) error {
	if feature == "" {
		return fmt.Errorf("feature name is required")
	}
	if strings.ContainsAny(feature, "/\\") || feature == "." || feature == ".." {
		return fmt.Errorf("invalid feature name: %q", feature)
	}
	return nil
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestFile is the name of the per-run manifest inside the namespace.
const ManifestFile = "run-manifest.json"

// Manifest records phase statuses, retry counts, and artifact hashes for a
// run. It is rewritten after every phase transition for audit and replay.
type Manifest struct {
	RunID     string                    `json:"run_id"`
	Feature   string                    `json:"feature"`
	Pipeline  string                    `json:"pipeline"`
	Status    string                    `json:"status"`
	Phases    []PhaseRecord             `json:"phases"`
	Artifacts map[string]ArtifactRecord `json:"artifacts"`
	Sources   map[string]ArtifactRecord `json:"sources,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// PhaseRecord captures one phase outcome in the manifest.
type PhaseRecord struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Retries   int       `json:"retries"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// ArtifactRecord is the manifest entry for one stored artifact.
type ArtifactRecord struct {
	Hash      string `json:"hash"`
	Phase     string `json:"phase"`
	Immutable bool   `json:"immutable"`
}

// SaveManifest atomically writes the manifest into the run namespace via a
// temp file and rename, so a crash never leaves a torn manifest behind.
func (rs *RunStore) SaveManifest(m *Manifest) error {
	m.UpdatedAt = time.Now().UTC()

	if m.Artifacts == nil {
		m.Artifacts = make(map[string]ArtifactRecord)
	}
	for path, ref := range rs.Refs() {
		m.Artifacts[path] = ArtifactRecord{
			Hash:      ref.Hash,
			Phase:     ref.Phase,
			Immutable: ref.Immutable,
		}
	}
	if locks := rs.SourceRefs(); len(locks) > 0 {
		m.Sources = make(map[string]ArtifactRecord, len(locks))
		for source, ref := range locks {
			m.Sources[source] = ArtifactRecord{
				Hash:      ref.Hash,
				Phase:     ref.Phase,
				Immutable: true,
			}
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	final := filepath.Join(rs.dir, ManifestFile)
	tmp, err := os.CreateTemp(rs.dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest from a run namespace directory.
// Returns (nil, nil) when no manifest exists yet.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

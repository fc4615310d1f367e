package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the durable, crash-recoverable record of one VM. It is the
// projection of the in-memory instance that external monitors read
// without coordination.
type Manifest struct {
	VMID             string          `json:"vm_id"`
	Image            string          `json:"image"`
	MemoryMB         int             `json:"memory_mb"`
	VCPUs            int             `json:"vcpus"`
	NetworkMode      string          `json:"network_mode"`
	CreatedAt        string          `json:"created_at"`
	State            State           `json:"state"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
}

// ManifestPath returns the manifest location for a VM under the results
// root.
func ManifestPath(resultsRoot, vmID string) string {
	return filepath.Join(resultsRoot, vmID, "manifest.json")
}

// WriteManifest writes the manifest atomically: to a temp file in the
// same directory, then renamed into place, so a concurrent reader never
// observes a partial document.
func WriteManifest(resultsRoot string, m *Manifest) error {
	dir := filepath.Join(resultsRoot, m.VMID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close manifest temp file: %w", err)
	}

	if err := os.Rename(tmpName, ManifestPath(resultsRoot, m.VMID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename manifest into place: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest for a VM.
func ReadManifest(resultsRoot, vmID string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(resultsRoot, vmID))
	if err != nil {
		return nil, fmt.Errorf("read manifest for %s: %w", vmID, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", vmID, err)
	}
	return &m, nil
}

// manifestTimestamp formats creation times the way the manifest stores
// them: RFC 3339 in UTC.
func manifestTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Package volume manages persistent named volumes backing a component's
// "state" mounts (spec section 3 Persistent Volume, section 4.5: "a state
// volume is created exactly once per name"). Grounded on teacher's
// pkg/volume/local.go LocalDriver, narrowed from teacher's pluggable
// multi-driver VolumeManager to a single local-disk driver since the spec
// names no other backend, and extended with one-time seeding from a
// package-provided seed path.
package volume

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/types"
)

// DefaultVolumesPath is the base directory for locally-backed volumes.
const DefaultVolumesPath = "volumes"

// Manager creates, seeds, and removes named persistent volumes under a
// single base directory, indexing them in the node's BoltDB store.
type Manager struct {
	basePath string
	store    storage.Store
}

// NewManager creates a volume manager rooted at dataDir/volumes.
func NewManager(dataDir string, store storage.Store) (*Manager, error) {
	basePath := filepath.Join(dataDir, DefaultVolumesPath)
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("volume: create base directory: %w", err)
	}
	return &Manager{basePath: basePath, store: store}, nil
}

// Path returns the host directory for a named volume, whether or not it
// has been created yet.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.basePath, name)
}

// EnsureVolume creates the named volume's directory and index record if
// absent, optionally seeding it once from seedPath (spec section 3: "may be
// seeded once from a package-provided initial content directory"). A volume
// that already exists is returned unmodified, even if seedPath differs from
// what it was created with — seeding happens exactly once per name.
func (m *Manager) EnsureVolume(name, seedPath string) (*types.Volume, error) {
	if existing, err := m.store.GetVolume(name); err == nil {
		return existing, nil
	}

	path := m.Path(name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("volume: create directory for %s: %w", name, err)
	}

	if seedPath != "" {
		if err := copyTree(seedPath, path); err != nil {
			return nil, fmt.Errorf("volume: seed %s from %s: %w", name, seedPath, err)
		}
	}

	vol := &types.Volume{
		Name:      name,
		Path:      path,
		SeedPath:  seedPath,
		SizeBytes: dirSize(path),
		CreatedAt: time.Now(),
	}
	if err := m.store.PutVolume(vol); err != nil {
		return nil, fmt.Errorf("volume: index %s: %w", name, err)
	}

	log.WithComponent("volume").Info().Str("name", name).Str("path", path).Msg("volume created")
	return vol, nil
}

// Clear removes a volume's on-disk directory and index record entirely. A
// subsequent EnsureVolume with the same name re-seeds from scratch.
func (m *Manager) Clear(name string) error {
	if err := os.RemoveAll(m.Path(name)); err != nil {
		return fmt.Errorf("volume: remove %s: %w", name, err)
	}
	return m.store.DeleteVolume(name)
}

// List returns every indexed volume.
func (m *Manager) List() ([]*types.Volume, error) {
	return m.store.ListVolumes()
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

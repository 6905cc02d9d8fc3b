// Package secrets resolves user secret references and turns them into
// runtime-definition fragments for the backend adapters. Every resolution
// asserts that the secret's owning workspace equals the submitting
// workspace; a mismatch fails the whole submission before any backend call.
//
// Secret values are kept in memory only and must never be written to
// durable logs.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
)

// Secret is a resolved secret value with its ownership and placement.
type Secret struct {
	Name        string
	Value       string
	WorkspaceID string
	// MountPath, when set, asks for the secret to be materialized as a
	// file; otherwise it is exposed as an environment variable.
	MountPath string
}

// Store is the secret store collaborator.
type Store interface {
	// Resolve returns the secret for a reference, or a not-found error.
	// Resolution does not check ownership; that is the Provisioner's job.
	Resolve(ctx context.Context, ref string) (Secret, error)
}

// FileMount is a file-backed secret entry within a Fragments bundle.
type FileMount struct {
	Key  string // item key within the backing secret volume
	Path string // mount path inside the job container
}

// Fragments is the runtime-definition fragment produced for one submission:
// environment entries plus file mounts served from a per-workspace secret
// volume. Adapters merge it into their backend-native definition.
type Fragments struct {
	Env        map[string]string
	VolumeName string
	Files      []FileMount
}

// Provisioner resolves secret references against a Store under the
// workspace ownership rule.
type Provisioner struct {
	store Store
}

// NewProvisioner creates a provisioner backed by the given store.
func NewProvisioner(store Store) *Provisioner {
	return &Provisioner{store: store}
}

// Prepare resolves all references for a submission from workspaceID.
// Any reference owned by a different workspace fails the whole call with a
// secret-access-denied error; an unresolvable reference fails with not
// found. No partial result is ever returned.
func (p *Provisioner) Prepare(ctx context.Context, workspaceID string, refs []string) (*Fragments, error) {
	frags := &Fragments{
		Env:        make(map[string]string),
		VolumeName: VolumeName(workspaceID),
	}

	for _, ref := range refs {
		sec, err := p.store.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if sec.WorkspaceID != workspaceID {
			return nil, apperrors.SecretDenied(ref)
		}

		if sec.MountPath != "" {
			frags.Files = append(frags.Files, FileMount{
				Key:  sec.Name,
				Path: sec.MountPath,
			})
		} else {
			frags.Env[sec.Name] = sec.Value
		}
	}

	sort.Slice(frags.Files, func(i, j int) bool {
		return frags.Files[i].Key < frags.Files[j].Key
	})
	return frags, nil
}

// VolumeName is the name of the per-workspace secret volume consumed by the
// Kubernetes adapter.
func VolumeName(workspaceID string) string {
	return fmt.Sprintf("secrets-%s", workspaceID)
}

// MemoryStore is an in-memory Store for wiring and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]Secret
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]Secret)}
}

// Add registers a secret under a reference.
func (m *MemoryStore) Add(ref string, sec Secret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[ref] = sec
}

// Resolve implements Store.
func (m *MemoryStore) Resolve(_ context.Context, ref string) (Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sec, ok := m.secrets[ref]
	if !ok {
		return Secret{}, apperrors.NotFound("secret", ref)
	}
	return sec, nil
}

var _ Store = (*MemoryStore)(nil)

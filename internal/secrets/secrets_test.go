package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
)

func storeWith(secrets map[string]Secret) *MemoryStore {
	s := NewMemoryStore()
	for ref, sec := range secrets {
		s.Add(ref, sec)
	}
	return s
}

func TestPrepareEnvAndFiles(t *testing.T) {
	t.Parallel()

	store := storeWith(map[string]Secret{
		"token":  {Name: "API_TOKEN", Value: "s3cret", WorkspaceID: "ws-a"},
		"keytab": {Name: "user.keytab", WorkspaceID: "ws-a", MountPath: "/etc/auth/user.keytab"},
	})
	p := NewProvisioner(store)

	frags, err := p.Prepare(context.Background(), "ws-a", []string{"token", "keytab"})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if frags.Env["API_TOKEN"] != "s3cret" {
		t.Errorf("env secret missing, got %v", frags.Env)
	}
	if len(frags.Files) != 1 || frags.Files[0].Path != "/etc/auth/user.keytab" {
		t.Errorf("file secret missing, got %v", frags.Files)
	}
	if frags.VolumeName != "secrets-ws-a" {
		t.Errorf("unexpected volume name %q", frags.VolumeName)
	}
}

func TestPrepareCrossWorkspaceDenied(t *testing.T) {
	t.Parallel()

	store := storeWith(map[string]Secret{
		"mine":   {Name: "MINE", Value: "x", WorkspaceID: "ws-a"},
		"theirs": {Name: "THEIRS", Value: "y", WorkspaceID: "ws-b"},
	})
	p := NewProvisioner(store)

	// Any reference owned by another workspace fails the whole call.
	frags, err := p.Prepare(context.Background(), "ws-a", []string{"mine", "theirs"})
	if !errors.Is(err, apperrors.ErrSecretDenied) {
		t.Fatalf("expected ErrSecretDenied, got %v", err)
	}
	if frags != nil {
		t.Error("no partial result may be returned on denial")
	}
	// The denial message must not leak the owning workspace.
	if err != nil && containsAny(err.Error(), "ws-b") {
		t.Errorf("error leaks owning workspace: %q", err.Error())
	}
}

func TestPrepareUnknownReference(t *testing.T) {
	t.Parallel()

	p := NewProvisioner(NewMemoryStore())
	_, err := p.Prepare(context.Background(), "ws-a", []string{"nope"})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPrepareNoRefs(t *testing.T) {
	t.Parallel()

	p := NewProvisioner(NewMemoryStore())
	frags, err := p.Prepare(context.Background(), "ws-a", nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(frags.Env) != 0 || len(frags.Files) != 0 {
		t.Error("expected empty fragments")
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
	}
	return false
}

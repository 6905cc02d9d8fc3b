package secrets

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
)

func secretObject(name, workspace string, annotations map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "reana",
			Labels:      map[string]string{WorkspaceLabel: workspace},
			Annotations: annotations,
		},
		Data: map[string][]byte{"value": []byte("s3cret")},
	}
}

func TestKubernetesStoreResolve(t *testing.T) {
	t.Parallel()

	clientset := fake.NewSimpleClientset(
		secretObject("db-password", "ws-1", map[string]string{EnvNameAnnotation: "DB_PASSWORD"}),
	)
	store := NewKubernetesStore(clientset, "reana")

	sec, err := store.Resolve(context.Background(), "db-password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sec.Name != "DB_PASSWORD" {
		t.Errorf("name = %q, want DB_PASSWORD", sec.Name)
	}
	if sec.Value != "s3cret" {
		t.Errorf("value = %q", sec.Value)
	}
	if sec.WorkspaceID != "ws-1" {
		t.Errorf("workspace = %q, want ws-1", sec.WorkspaceID)
	}
	if sec.MountPath != "" {
		t.Errorf("mount path = %q, want env placement", sec.MountPath)
	}
}

func TestKubernetesStoreResolveFileSecret(t *testing.T) {
	t.Parallel()

	clientset := fake.NewSimpleClientset(
		secretObject("gitlab-token", "ws-1", map[string]string{
			MountPathAnnotation: "/etc/reana/secrets/gitlab-token",
		}),
	)
	store := NewKubernetesStore(clientset, "reana")

	sec, err := store.Resolve(context.Background(), "gitlab-token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// No env name annotation, the reference doubles as the name.
	if sec.Name != "gitlab-token" {
		t.Errorf("name = %q, want gitlab-token", sec.Name)
	}
	if sec.MountPath != "/etc/reana/secrets/gitlab-token" {
		t.Errorf("mount path = %q", sec.MountPath)
	}
}

func TestKubernetesStoreResolveNotFound(t *testing.T) {
	t.Parallel()

	store := NewKubernetesStore(fake.NewSimpleClientset(), "reana")

	_, err := store.Resolve(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProvisionerWithKubernetesStore(t *testing.T) {
	t.Parallel()

	clientset := fake.NewSimpleClientset(
		secretObject("db-password", "ws-1", map[string]string{EnvNameAnnotation: "DB_PASSWORD"}),
		secretObject("foreign", "ws-2", nil),
	)
	prov := NewProvisioner(NewKubernetesStore(clientset, "reana"))

	frags, err := prov.Prepare(context.Background(), "ws-1", []string{"db-password"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if frags.Env["DB_PASSWORD"] != "s3cret" {
		t.Errorf("env = %v", frags.Env)
	}

	_, err = prov.Prepare(context.Background(), "ws-1", []string{"foreign"})
	if !errors.Is(err, apperrors.ErrSecretDenied) {
		t.Errorf("err = %v, want ErrSecretDenied", err)
	}
}

package secrets

import (
	"context"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
)

const (
	// WorkspaceLabel marks the workspace a secret object belongs to.
	WorkspaceLabel = "job-controller/workspace"
	// MountPathAnnotation asks for file placement instead of an env var.
	MountPathAnnotation = "job-controller/mount-path"
	// EnvNameAnnotation overrides the env var name, default is the reference.
	EnvNameAnnotation = "job-controller/env-name"

	valueKey = "value"
)

// KubernetesStore resolves secret references against Kubernetes Secret
// objects in a single namespace. One object per reference; ownership comes
// from the workspace label.
type KubernetesStore struct {
	client    kubernetes.Interface
	namespace string
}

var _ Store = (*KubernetesStore)(nil)

// NewKubernetesStore creates a store reading from the given namespace.
func NewKubernetesStore(client kubernetes.Interface, namespace string) *KubernetesStore {
	return &KubernetesStore{client: client, namespace: namespace}
}

// Resolve implements Store.
func (s *KubernetesStore) Resolve(ctx context.Context, ref string) (Secret, error) {
	obj, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return Secret{}, apperrors.NotFound("secret", ref)
		}
		return Secret{}, apperrors.Transient("resolve secret", err)
	}

	name := ref
	if n, ok := obj.Annotations[EnvNameAnnotation]; ok && n != "" {
		name = n
	}

	return Secret{
		Name:        name,
		Value:       string(obj.Data[valueKey]),
		WorkspaceID: obj.Labels[WorkspaceLabel],
		MountPath:   obj.Annotations[MountPathAnnotation],
	}, nil
}

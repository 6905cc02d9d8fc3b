// Package kubernetes runs jobs as batch/v1 Jobs. Each submission becomes a
// single-pod Job with restarts disabled so that container exit status maps
// one-to-one onto job status.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/sidecar"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelJobID     = "job-controller/job-id"
	managedByValue = "reana-job-controller"

	jobContainerName = "job"
)

// Adapter implements backend.Adapter on top of the Kubernetes batch API.
type Adapter struct {
	client   kubernetes.Interface
	cfg      Config
	injector *sidecar.Injector
	logger   *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates a Kubernetes adapter.
func New(client kubernetes.Interface, cfg Config, injector *sidecar.Injector) *Adapter {
	return &Adapter{
		client:   client,
		cfg:      cfg.withDefaults(),
		injector: injector,
		logger:   slog.With("component", "kubernetes-adapter"),
	}
}

// Type implements backend.Adapter.
func (a *Adapter) Type() job.BackendType { return job.BackendKubernetes }

// Submit creates the batch Job. The Job is named after the controller's job
// id, which doubles as the backend handle.
func (a *Adapter) Submit(ctx context.Context, prepared *backend.PreparedJob) (string, error) {
	k8sJob, err := a.buildJob(prepared)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	_, err = a.client.BatchV1().Jobs(a.cfg.Namespace).Create(ctx, k8sJob, metav1.CreateOptions{})
	if err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return "", apperrors.Conflict("job", prepared.ID, "a job with this name already exists")
		}
		if k8serrors.IsInvalid(err) || k8serrors.IsBadRequest(err) {
			return "", apperrors.Permanent("kubernetes.submit", err)
		}
		return "", apperrors.Transient("kubernetes.submit", err)
	}

	a.logger.Info("Job created", "jobId", prepared.ID, "namespace", a.cfg.Namespace)
	return k8sJob.Name, nil
}

func (a *Adapter) buildJob(prepared *backend.PreparedJob) (*batchv1.Job, error) {
	spec := prepared.Spec

	container := corev1.Container{
		Name:    jobContainerName,
		Image:   spec.Image,
		Command: []string{spec.Command},
		Args:    spec.Args,
		Env:     buildEnv(spec.Env, prepared.Secrets.Env),
	}

	requirements, err := a.buildResources(spec.Resources)
	if err != nil {
		return nil, err
	}
	container.Resources = requirements

	podSpec := corev1.PodSpec{
		Containers:    []corev1.Container{container},
		RestartPolicy: corev1.RestartPolicyNever,
	}

	if a.cfg.RunAsUser >= 0 || a.cfg.RunAsGroup >= 0 {
		sc := &corev1.PodSecurityContext{}
		if a.cfg.RunAsUser >= 0 {
			uid := a.cfg.RunAsUser
			sc.RunAsUser = &uid
		}
		if a.cfg.RunAsGroup >= 0 {
			gid := a.cfg.RunAsGroup
			sc.RunAsGroup = &gid
		}
		podSpec.SecurityContext = sc
	}

	if spec.WorkspaceMountRef != "" {
		podSpec.Volumes = append(podSpec.Volumes, corev1.Volume{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: spec.WorkspaceMountRef,
				},
			},
		})
		podSpec.Containers[0].VolumeMounts = append(podSpec.Containers[0].VolumeMounts,
			corev1.VolumeMount{Name: "workspace", MountPath: a.cfg.WorkspaceMountPath})
	}

	if len(prepared.Secrets.Files) > 0 {
		podSpec.Volumes = append(podSpec.Volumes, corev1.Volume{
			Name: prepared.Secrets.VolumeName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: prepared.Secrets.VolumeName},
			},
		})
		for _, f := range prepared.Secrets.Files {
			podSpec.Containers[0].VolumeMounts = append(podSpec.Containers[0].VolumeMounts,
				corev1.VolumeMount{
					Name:      prepared.Secrets.VolumeName,
					MountPath: f.Path,
					SubPath:   f.Key,
					ReadOnly:  true,
				})
		}
	}

	if err := a.injector.Inject(&podSpec, spec.Kerberos); err != nil {
		return nil, err
	}

	// A failed container fails the job immediately; the controller owns
	// retry semantics, not the kubelet.
	backoffLimit := int32(0)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      prepared.ID,
			Namespace: a.cfg.Namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelJobID:     prepared.ID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						labelManagedBy: managedByValue,
						labelJobID:     prepared.ID,
					},
				},
				Spec: podSpec,
			},
		},
	}, nil
}

func (a *Adapter) buildResources(res job.Resources) (corev1.ResourceRequirements, error) {
	requirements := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}

	if res.CPU != "" {
		qty, err := resource.ParseQuantity(res.CPU)
		if err != nil {
			return requirements, apperrors.InvalidSpec("resources.cpu", err.Error())
		}
		requirements.Requests[corev1.ResourceCPU] = qty
		requirements.Limits[corev1.ResourceCPU] = qty
	}
	if res.Memory != "" {
		qty, err := resource.ParseQuantity(res.Memory)
		if err != nil {
			return requirements, apperrors.InvalidSpec("resources.memory", err.Error())
		}
		requirements.Requests[corev1.ResourceMemory] = qty
		requirements.Limits[corev1.ResourceMemory] = qty
	}
	if res.GPU > 0 {
		qty := resource.MustParse(fmt.Sprintf("%d", res.GPU))
		requirements.Limits[corev1.ResourceName(a.cfg.GPUResourceName)] = qty
	}

	if len(requirements.Requests) == 0 {
		requirements.Requests = nil
	}
	if len(requirements.Limits) == 0 {
		requirements.Limits = nil
	}
	return requirements, nil
}

func buildEnv(specEnv, secretEnv map[string]string) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(specEnv)+len(secretEnv))
	for _, src := range []map[string]string{specEnv, secretEnv} {
		for name, value := range src {
			env = append(env, corev1.EnvVar{Name: name, Value: value})
		}
	}
	// The fake clientset preserves order; the real API does not care, but
	// deterministic output keeps tests simple.
	sortEnv(env)
	return env
}

func sortEnv(env []corev1.EnvVar) {
	for i := 1; i < len(env); i++ {
		for j := i; j > 0 && env[j].Name < env[j-1].Name; j-- {
			env[j], env[j-1] = env[j-1], env[j]
		}
	}
}

// Status implements backend.Adapter. A missing Job yields StatusUnknown:
// the controller cannot distinguish "deleted out-of-band" from "never
// existed", and must not guess a terminal state.
func (a *Adapter) Status(ctx context.Context, handle string) (job.Status, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	k8sJob, err := a.client.BatchV1().Jobs(a.cfg.Namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return job.StatusUnknown, "job not found in cluster", nil
		}
		return job.StatusUnknown, "", apperrors.Transient("kubernetes.status", err)
	}
	status, reason := mapJobStatus(k8sJob)
	return status, reason, nil
}

func mapJobStatus(k8sJob *batchv1.Job) (job.Status, string) {
	st := k8sJob.Status
	switch {
	case st.Succeeded > 0:
		return job.StatusSucceeded, ""
	case st.Failed > 0:
		return job.StatusFailed, failureReason(k8sJob)
	case st.Active > 0:
		return job.StatusRunning, ""
	default:
		return job.StatusSubmitted, ""
	}
}

func failureReason(k8sJob *batchv1.Job) string {
	for _, cond := range k8sJob.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			if cond.Message != "" {
				return cond.Message
			}
			return cond.Reason
		}
	}
	return "job failed"
}

// Delete implements backend.Adapter. Propagation is Background so the call
// returns without waiting for pod teardown; a Job already gone is success.
func (a *Adapter) Delete(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	propagation := metav1.DeletePropagationBackground
	err := a.client.BatchV1().Jobs(a.cfg.Namespace).Delete(ctx, handle, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return apperrors.Transient("kubernetes.delete", err)
	}
	return nil
}

// SupportsWatch implements backend.Adapter.
func (a *Adapter) SupportsWatch() bool { return true }

// Watch implements backend.Adapter. The returned channel closes when the
// underlying API stream ends; the monitor resubscribes and reconciles.
func (a *Adapter) Watch(ctx context.Context) (<-chan backend.StatusEvent, error) {
	watcher, err := a.client.BatchV1().Jobs(a.cfg.Namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: labelManagedBy + "=" + managedByValue,
	})
	if err != nil {
		return nil, apperrors.Transient("kubernetes.watch", err)
	}

	events := make(chan backend.StatusEvent)
	go func() {
		defer close(events)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				k8sJob, ok := ev.Object.(*batchv1.Job)
				if !ok {
					continue
				}
				status, reason := mapJobStatus(k8sJob)
				select {
				case events <- backend.StatusEvent{Handle: k8sJob.Name, Status: status, Reason: reason}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Ready implements backend.Adapter.
func (a *Adapter) Ready(ctx context.Context) error {
	_, err := a.client.Discovery().ServerVersion()
	if err != nil {
		return apperrors.Transient("kubernetes.ready", err)
	}
	return nil
}

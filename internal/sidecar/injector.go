// Package sidecar conditionally augments a job's pod definition with an
// auxiliary Kerberos credential-cache container. The auxiliary container
// shares a ticket-cache volume with the main job container but is
// independently lifecycled: its failure does not terminate the job, and
// the job's completion does not wait for it.
package sidecar

import (
	"fmt"
	"path"

	corev1 "k8s.io/api/core/v1"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
)

const (
	ticketCacheVolume = "krb5-cache"
	configVolume      = "krb5-conf"
	containerName     = "krb5-renew"
)

// Injector builds the Kerberos sidecar from its configuration.
type Injector struct {
	cfg Config
}

// NewInjector creates an injector. The configuration is validated lazily at
// injection time so a controller without Kerberos config can still serve
// jobs that do not request it.
func NewInjector(cfg Config) *Injector {
	return &Injector{cfg: cfg.withDefaults()}
}

// Validate checks that the configuration is complete enough to build the
// sidecar. Called by the facade before any backend call so an impossible
// injection fails the submission early.
func (i *Injector) Validate() error {
	if i.cfg.Image == "" {
		return apperrors.Internal("sidecar.validate", fmt.Errorf("kerberos sidecar image not configured"))
	}
	if i.cfg.Principal == "" {
		return apperrors.Internal("sidecar.validate", fmt.Errorf("kerberos principal not configured"))
	}
	if i.cfg.KeytabPath == "" {
		return apperrors.Internal("sidecar.validate", fmt.Errorf("kerberos keytab path not configured"))
	}
	return nil
}

// Inject appends the credential-cache container and its shared volume to
// the pod spec when required is true; otherwise it is a no-op passthrough.
// The first container in the spec is taken to be the main job container.
func (i *Injector) Inject(spec *corev1.PodSpec, required bool) error {
	if !required {
		return nil
	}
	if err := i.Validate(); err != nil {
		return err
	}
	if len(spec.Containers) == 0 {
		return apperrors.Internal("sidecar.inject", fmt.Errorf("pod spec has no job container"))
	}

	cacheMount := corev1.VolumeMount{
		Name:      ticketCacheVolume,
		MountPath: i.cfg.TicketCacheDir,
	}
	confMount := corev1.VolumeMount{
		Name:      configVolume,
		MountPath: "/etc/krb5.conf",
		SubPath:   "krb5.conf",
	}

	spec.Volumes = append(spec.Volumes,
		corev1.Volume{
			Name:         ticketCacheVolume,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		},
		corev1.Volume{
			Name: configVolume,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: i.cfg.ConfigMapName},
				},
			},
		},
	)

	// The job container picks the cache up through KRB5CCNAME even when it
	// never reads the configuration file.
	main := &spec.Containers[0]
	main.VolumeMounts = append(main.VolumeMounts, cacheMount, confMount)
	main.Env = append(main.Env, corev1.EnvVar{
		Name:  "KRB5CCNAME",
		Value: path.Join(i.cfg.TicketCacheDir, i.cfg.TicketCacheFile),
	})

	renewer := corev1.Container{
		Name:            containerName,
		Image:           i.cfg.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command: []string{
			"kinit", "-kt", i.cfg.KeytabPath, i.cfg.Principal,
		},
		VolumeMounts: append([]corev1.VolumeMount{cacheMount, confMount}, i.cfg.ExtraMounts...),
	}

	// A regular container, not an init container: the job must start
	// without waiting for it and must be able to finish while it runs.
	spec.Containers = append(spec.Containers, renewer)
	return nil
}

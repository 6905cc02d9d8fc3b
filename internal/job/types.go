// Package job defines the backend-agnostic job model: the immutable
// submission spec, the tracked record, and the status state machine.
package job

import "time"

// BackendType selects the compute backend that will execute a job.
type BackendType string

const (
	BackendKubernetes BackendType = "kubernetes"
	BackendHTCondor   BackendType = "htcondor"
	BackendSlurm      BackendType = "slurm"
	BackendDocker     BackendType = "docker"
)

// Valid reports whether bt names a known backend type.
func (bt BackendType) Valid() bool {
	switch bt {
	case BackendKubernetes, BackendHTCondor, BackendSlurm, BackendDocker:
		return true
	}
	return false
}

// Resources holds the resource requests of a job. CPU and Memory are
// Kubernetes-style quantity strings ("500m", "2", "512Mi"); GPU is a device
// count.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
	GPU    int    `json:"gpu,omitempty"`
}

// Spec is the immutable description of a requested job. It is constructed
// once at submission time and never mutated afterwards.
type Spec struct {
	Backend           BackendType       `json:"backendType"`
	Image             string            `json:"image"`
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Resources         Resources         `json:"resources"`
	WorkspaceID       string            `json:"workspaceId"`
	WorkspaceMountRef string            `json:"workspaceMountRef,omitempty"`
	SecretRefs        []string          `json:"secretRefs,omitempty"`
	Kerberos          bool              `json:"kerberosRequired,omitempty"`
}

// Record is the tracked state of a submitted job. It is owned by the job
// store; every other component reads and mutates it only through the
// store's synchronized accessors.
type Record struct {
	ID             string      `json:"jobId"`
	Backend        BackendType `json:"backendType"`
	Handle         string      `json:"backendHandle,omitempty"` // native id, set once
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	ObservedAt     time.Time   `json:"observedAt"`
	Retries        int         `json:"retries,omitempty"`
	FailureReason  string      `json:"failureReason,omitempty"`
	CleanupPending bool        `json:"-"` // native deletion still owed to the backend
}

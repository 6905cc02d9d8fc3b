// Package backend defines the contract every compute backend adapter
// implements, plus the registry the manager and monitors resolve
// adapters through.
package backend

import (
	"context"
	"errors"

	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/secrets"
)

// ErrWatchUnsupported is returned by Watch on adapters that only support polling.
var ErrWatchUnsupported = errors.New("backend does not support watching")

// PreparedJob is a validated job spec with its secret material resolved,
// ready for submission to a backend.
type PreparedJob struct {
	ID      string
	Spec    job.Spec
	Secrets secrets.Fragments
}

// StatusEvent is a status observation pushed by a watching adapter.
type StatusEvent struct {
	Handle string
	Status job.Status
	Reason string
}

// Adapter submits, observes and deletes jobs on one compute backend.
//
// Status distinguishes two failure surfaces: a transport error talking to
// the backend is returned as err, while a reachable backend reporting a
// state the adapter cannot interpret yields StatusUnknown with nil err.
type Adapter interface {
	// Type identifies the backend this adapter drives.
	Type() job.BackendType

	// Submit starts the job and returns the backend-native handle.
	Submit(ctx context.Context, prepared *PreparedJob) (handle string, err error)

	// Status fetches the current observed status for a handle.
	Status(ctx context.Context, handle string) (status job.Status, reason string, err error)

	// Delete removes the backend-native resources for a handle.
	// Deleting an already-gone handle is not an error.
	Delete(ctx context.Context, handle string) error

	// SupportsWatch reports whether Watch is implemented.
	SupportsWatch() bool

	// Watch streams status events until ctx is cancelled. Adapters that
	// only poll return ErrWatchUnsupported.
	Watch(ctx context.Context) (<-chan StatusEvent, error)

	// Ready probes backend connectivity for health reporting.
	Ready(ctx context.Context) error
}

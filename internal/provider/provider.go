// Package provider abstracts the interchangeable capability providers and
// implements the selection policy over them. Providers are opaque
// request/response services; the orchestrator never inspects their type,
// only their descriptor.
package provider

import (
	"context"
	"errors"

	"github.com/basket/foreman/internal/schedule"
)

// Class tags a provider's autonomy level.
type Class string

const (
	// ClassInteractive providers assume a human in the loop and are only
	// eligible while the system is Supervised.
	ClassInteractive Class = "interactive"
	// ClassAutonomous providers run unattended and are eligible in either
	// mode; low-autonomy work on a high-autonomy provider is always safe.
	ClassAutonomous Class = "autonomous"
)

// ErrNoProviderAvailable means no provider survived the selection filters.
// This is a transient condition: the task stays Pending and is retried by a
// later scheduling pass.
var ErrNoProviderAvailable = errors.New("no provider available")

// Request is the uniform dispatch payload sent to any provider.
type Request struct {
	TaskID      string   `json:"task_id"`
	Description string   `json:"description"`
	Context     []string `json:"context,omitempty"`   // retrieved knowledge chunks
	Decisions   []string `json:"decisions,omitempty"` // prior decision rationales for this task
}

// Response is what a provider returns on success.
type Response struct {
	Output string  `json:"output"`
	Cost   float64 `json:"cost,omitempty"`
}

// Provider executes one request synchronously.
type Provider interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Pinger is an optional health probe implemented by remote providers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Descriptor is the registry's view of a provider. Mutated only by health
// accounting; read by selection.
type Descriptor struct {
	ID             string  `json:"id"`
	Class          Class   `json:"class"`
	MaxConcurrency int     `json:"max_concurrency"`
	CostWeight     float64 `json:"cost_weight"`
	Essential      bool    `json:"essential"`
	Healthy        bool    `json:"healthy"`
}

// eligibleFor reports whether a provider class may run work in the given
// mode. Interactive providers need a supervised system; autonomous providers
// run in either mode.
func eligibleFor(class Class, mode schedule.Mode) bool {
	if class == ClassAutonomous {
		return true
	}
	return mode == schedule.ModeSupervised
}

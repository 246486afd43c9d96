package runtime

import (
	"context"
	"time"
)

// ContainerSpec describes one inference container to spawn.
type ContainerSpec struct {
	Image string
	Name  string
	Env   []string
	Args  []string
	// Network to attach; containers are reached by name inside it.
	Network string
	// Container-side inference port.
	EnginePort int
	// Host port to publish EnginePort on; 0 means do not publish.
	HostPort int
	// GPU index the container is restricted to.
	GPUDevice int
	// host path -> container path bind mounts.
	Volumes map[string]string
	Labels  map[string]string
}

// ContainerInfo is a subset of the runtime's inspect output.
type ContainerInfo struct {
	ID      string
	Name    string
	Status  string
	Running bool
	Env     []string
	Args    []string
}

// Supervisor spawns and manages inference containers. Implementations wrap
// the container runtime; tests substitute in-memory fakes.
type Supervisor interface {
	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error
	// EnsureImage makes sure the engine image is present locally.
	EnsureImage(ctx context.Context, image string) error
	// Spawn creates and starts a container, returning its id.
	Spawn(ctx context.Context, spec ContainerSpec) (string, error)
	// Inspect returns current container state by name.
	Inspect(ctx context.Context, name string) (ContainerInfo, error)
	// Stop gracefully stops a container, force-killing after timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) error
	// Remove force-removes a container.
	Remove(ctx context.Context, name string) error
	// List returns containers whose name begins with prefix.
	List(ctx context.Context, prefix string) ([]ContainerInfo, error)
	// Logs returns the last tail lines of combined output.
	Logs(ctx context.Context, name string, tail int) (string, error)
	// Exec runs a command inside a container.
	Exec(ctx context.Context, name string, cmd []string) error
	// WaitReady blocks until the engine in the container answers
	// GET /v1/models for servedID, or the deadline elapses.
	WaitReady(ctx context.Context, name, servedID string, deadline time.Duration) error
}

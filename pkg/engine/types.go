package engine

import (
	"strings"
	"time"
)

// Container is the subset of engine-reported container state the update
// engine needs to decide what to do with it.
type Container struct {
	ID      string
	Name    string
	Image   string // the reference string as stored on the container, e.g. "myrepo/app:prod"
	ImageID string // the content-addressed id the container is actually running
	Labels  map[string]string
	State   string // "running", "exited", ...
}

// LocalImage mirrors the Local Image data model in spec.md §3.
type LocalImage struct {
	ID          string
	RepoTags    []string
	RepoDigests []string
	CreatedAt   time.Time
}

// Snapshot is an immutable capture of a container's configuration, sufficient
// to recreate an equivalent container against a different image. It mirrors
// the Container Snapshot data model in spec.md §3.
type Snapshot struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	Entrypoint  []string
	User        string
	WorkingDir  string
	Labels      map[string]string
	HostConfig  HostConfig
	Networks    map[string]EndpointConfig
}

// HostConfig carries the host-facing parts of a container's configuration
// that must survive a recreate.
type HostConfig struct {
	Binds         []string
	PortBindings  map[string][]PortBinding
	RestartPolicy RestartPolicy
	CapAdd        []string
	CapDrop       []string
	Resources     Resources
	NetworkMode   string
}

// PortBinding is a single host-port mapping for a container port.
type PortBinding struct {
	HostIP   string
	HostPort string
}

// RestartPolicy mirrors the Docker engine's restart policy.
type RestartPolicy struct {
	Name              string
	MaximumRetryCount int
}

// Resources carries the resource limits a container was created with.
type Resources struct {
	Memory   int64
	NanoCPUs int64
}

// EndpointConfig is a single network attachment.
type EndpointConfig struct {
	NetworkID string
	Aliases   []string
	IPAddress string
}

// PullEvent is a single decoded progress message from an ImagePull stream.
type PullEvent struct {
	Status string
	ID     string
}

// Downloaded reports whether this event indicates a layer was actually
// fetched from the registry rather than already present locally, per the
// pulled_newer signal in spec.md §4.D step 3.
func (e PullEvent) Downloaded() bool {
	switch e.Status {
	case "Pulling fs layer", "Downloading", "Extracting", "Pull complete":
		return true
	default:
		return strings.HasPrefix(e.Status, "Downloaded newer image")
	}
}

// ProgressSink receives pull progress events as they are decoded.
type ProgressSink func(PullEvent)

// Package engine is a thin capability over the Docker engine: list/inspect
// containers and images, pull, tag, create, start, stop, remove, delete
// image. It is the only package that imports the Docker SDK directly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
)

// Gateway is a constructor-scoped capability over a single Docker engine
// connection. It carries no process-level state beyond the underlying
// transport.
type Gateway struct {
	cli    *client.Client
	logger *slog.Logger
}

// New connects to the Docker engine named by DOCKER_HOST, or the platform
// default socket when unset.
func New(logger *slog.Logger) (*Gateway, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("engine: connect: %w", err)
	}

	return &Gateway{cli: cli, logger: logger}, nil
}

// Ping verifies the engine is reachable, used at startup to produce an
// EngineUnavailable failure before the scheduler loop starts.
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.cli.Ping(ctx); err != nil {
		return classify("ping", err)
	}

	return nil
}

// Close releases the underlying transport.
func (g *Gateway) Close() error {
	return g.cli.Close()
}

// ListContainers enumerates containers, including stopped ones when all is
// true.
func (g *Gateway) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	raw, err := g.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, classify("list_containers", err)
	}

	return toContainers(raw), nil
}

// ListContainersByLabel enumerates containers carrying the given label
// key=value, used to resolve a stack's compose-project membership.
func (g *Gateway) ListContainersByLabel(ctx context.Context, key, value string) ([]Container, error) {
	args := filters.NewArgs(filters.Arg("label", key+"="+value))

	raw, err := g.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("list_containers_by_label", err)
	}

	return toContainers(raw), nil
}

func toContainers(raw []types.Container) []Container {
	out := make([]Container, 0, len(raw))
	for _, c := range raw {
		out = append(out, Container{
			ID:      c.ID,
			Name:    firstName(c.Names),
			Image:   c.Image,
			ImageID: c.ImageID,
			Labels:  c.Labels,
			State:   c.State,
		})
	}

	return out
}

// InspectContainer captures a container's full Snapshot immediately before
// it is stopped for an update.
func (g *Gateway) InspectContainer(ctx context.Context, id string) (Snapshot, error) {
	details, err := g.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Snapshot{}, classify("inspect_container", err)
	}

	snap := Snapshot{
		Name:     strings.TrimPrefix(details.Name, "/"),
		Networks: map[string]EndpointConfig{},
	}

	if details.Config != nil {
		snap.Image = details.Config.Image
		snap.Env = details.Config.Env
		snap.Cmd = []string(details.Config.Cmd)
		snap.Entrypoint = []string(details.Config.Entrypoint)
		snap.User = details.Config.User
		snap.WorkingDir = details.Config.WorkingDir
		snap.Labels = details.Config.Labels
	}

	if details.HostConfig != nil {
		hc := details.HostConfig
		snap.HostConfig = HostConfig{
			Binds:       hc.Binds,
			CapAdd:      []string(hc.CapAdd),
			CapDrop:     []string(hc.CapDrop),
			NetworkMode: string(hc.NetworkMode),
			RestartPolicy: RestartPolicy{
				Name:              string(hc.RestartPolicy.Name),
				MaximumRetryCount: hc.RestartPolicy.MaximumRetryCount,
			},
			Resources: Resources{
				Memory:   hc.Memory,
				NanoCPUs: hc.NanoCPUs,
			},
			PortBindings: convertPortBindings(hc.PortBindings),
		}
	}

	if details.NetworkSettings != nil {
		for name, ep := range details.NetworkSettings.Networks {
			snap.Networks[name] = EndpointConfig{
				NetworkID: ep.NetworkID,
				Aliases:   ep.Aliases,
				IPAddress: ep.IPAddress,
			}
		}
	}

	return snap, nil
}

// Stop stops a running container. Transport errors are returned to the
// caller; per spec.md §4.E.4 the update state machine treats stop/remove as
// best-effort and swallows them.
func (g *Gateway) Stop(ctx context.Context, id string) error {
	if err := g.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return classify("stop", err)
	}

	return nil
}

// Remove removes a container, optionally forcing removal of a running one.
func (g *Gateway) Remove(ctx context.Context, id string, force bool) error {
	if err := g.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return classify("remove", err)
	}

	return nil
}

// CreateSpec is the input to Create: a Snapshot plus the image reference to
// instantiate it with — everything from the Snapshot is carried over
// verbatim except Image.
type CreateSpec struct {
	Snapshot
	Image string
}

// Create creates a new container from spec, using spec.Image rather than
// spec.Snapshot.Image.
func (g *Gateway) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		Cmd:        strslice.StrSlice(spec.Cmd),
		Entrypoint: strslice.StrSlice(spec.Entrypoint),
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Binds:       spec.HostConfig.Binds,
		CapAdd:      strslice.StrSlice(spec.HostConfig.CapAdd),
		CapDrop:     strslice.StrSlice(spec.HostConfig.CapDrop),
		NetworkMode: container.NetworkMode(spec.HostConfig.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.HostConfig.RestartPolicy.Name),
			MaximumRetryCount: spec.HostConfig.RestartPolicy.MaximumRetryCount,
		},
		Resources: container.Resources{
			Memory:   spec.HostConfig.Resources.Memory,
			NanoCPUs: spec.HostConfig.Resources.NanoCPUs,
		},
		PortBindings: convertPortBindingsBack(spec.HostConfig.PortBindings),
	}

	netCfg := &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
	for name, ep := range spec.Networks {
		netCfg.EndpointsConfig[name] = &network.EndpointSettings{
			NetworkID: ep.NetworkID,
			Aliases:   ep.Aliases,
		}
	}

	created, err := g.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", classify("create", err)
	}

	return created.ID, nil
}

// Start starts a previously created container.
func (g *Gateway) Start(ctx context.Context, id string) error {
	if err := g.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify("start", err)
	}

	return nil
}

// ContainerStatus is the minimal state observed while health-probing a
// freshly started container.
type ContainerStatus struct {
	Running  bool
	ExitCode int
}

// InspectStatus polls a container's running/exit state during health
// probing.
func (g *Gateway) InspectStatus(ctx context.Context, id string) (ContainerStatus, error) {
	details, err := g.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerStatus{}, classify("inspect_status", err)
	}

	if details.State == nil {
		return ContainerStatus{}, nil
	}

	return ContainerStatus{
		Running:  details.State.Running,
		ExitCode: details.State.ExitCode,
	}, nil
}

// ListImages enumerates local images, including untagged/dangling ones when
// all is true.
func (g *Gateway) ListImages(ctx context.Context, all bool) ([]LocalImage, error) {
	raw, err := g.cli.ImageList(ctx, image.ListOptions{All: all})
	if err != nil {
		return nil, classify("list_images", err)
	}

	out := make([]LocalImage, 0, len(raw))
	for _, img := range raw {
		out = append(out, LocalImage{
			ID:          img.ID,
			RepoTags:    img.RepoTags,
			RepoDigests: img.RepoDigests,
			CreatedAt:   time.Unix(img.Created, 0).UTC(),
		})
	}

	return out, nil
}

// InspectImage resolves the local image id and digest for ref, if present.
// NotFound is returned (not swallowed) so the Freshness Oracle can tell
// "absent" apart from "present but identical".
func (g *Gateway) InspectImage(ctx context.Context, ref string) (LocalImage, error) {
	details, _, err := g.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return LocalImage{}, classify("inspect_image", err)
	}

	created, _ := time.Parse(time.RFC3339Nano, details.Created)

	return LocalImage{
		ID:          details.ID,
		RepoTags:    details.RepoTags,
		RepoDigests: details.RepoDigests,
		CreatedAt:   created,
	}, nil
}

// Pull pulls repo:tag, invoking sink for every decoded progress event so the
// caller can observe whether any layers were actually downloaded.
func (g *Gateway) Pull(ctx context.Context, repo, tag string, sink ProgressSink) error {
	ref := repo + ":" + tag

	rc, err := g.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull", err)
	}
	defer rc.Close()

	decoder := json.NewDecoder(rc)

	for {
		var msg jsonmessage.JSONMessage

		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}

			return classify("pull", err)
		}

		if msg.Error != nil {
			return classify("pull", msg.Error)
		}

		if sink != nil {
			sink(PullEvent{Status: msg.Status, ID: msg.ID})
		}
	}

	return nil
}

// Tag creates a local tag repo:tag pointing at id. The engine API always
// overwrites an existing tag; force is kept for interface parity with
// spec.md §4.B.
func (g *Gateway) Tag(ctx context.Context, id, repo, tag string, _ bool) error {
	target := repo + ":" + tag

	if err := g.cli.ImageTag(ctx, id, target); err != nil {
		return classify("tag", err)
	}

	return nil
}

// DeleteImage removes a local image tag or id.
func (g *Gateway) DeleteImage(ctx context.Context, ref string, force bool) error {
	if _, err := g.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: force}); err != nil {
		return classify("delete_image", err)
	}

	return nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}

	return strings.TrimPrefix(names[0], "/")
}

func convertPortBindings(in nat.PortMap) map[string][]PortBinding {
	if in == nil {
		return nil
	}

	out := make(map[string][]PortBinding, len(in))

	for port, bindings := range in {
		pbs := make([]PortBinding, len(bindings))
		for i, b := range bindings {
			pbs[i] = PortBinding{HostIP: b.HostIP, HostPort: b.HostPort}
		}

		out[string(port)] = pbs
	}

	return out
}

func convertPortBindingsBack(in map[string][]PortBinding) nat.PortMap {
	if in == nil {
		return nil
	}

	out := nat.PortMap{}

	for portStr, pbs := range in {
		bindings := make([]nat.PortBinding, len(pbs))
		for i, b := range pbs {
			bindings[i] = nat.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort}
		}

		out[nat.Port(portStr)] = bindings
	}

	return out
}

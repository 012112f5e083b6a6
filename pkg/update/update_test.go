package update_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relikd/dockwatch/pkg/engine"
	"github.com/relikd/dockwatch/pkg/orchestrator"
	"github.com/relikd/dockwatch/pkg/reference"
	"github.com/relikd/dockwatch/pkg/update"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeContainer is the mutable state of one simulated container.
type fakeContainer struct {
	id, name, image, imageID string
	labels                   map[string]string
	running                  bool
	exitCode                 int
	removed                  bool
}

// fakeDocker implements update.EngineGateway entirely in memory.
type fakeDocker struct {
	containers map[string]*fakeContainer
	images     map[string]engine.LocalImage // keyed by fully-qualified repo:tag
	nextID     int
	deleted    []string
	// onCreate decides the eventual running/exitCode state of a freshly
	// created container, keyed by the image it was created with.
	onCreate func(image string) (running bool, exitCode int)
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: map[string]*fakeContainer{},
		images:     map[string]engine.LocalImage{},
		onCreate: func(string) (bool, int) {
			return true, 0
		},
	}
}

func (f *fakeDocker) addContainer(name, image, imageID string, labels map[string]string) string {
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, name: name, image: image, imageID: imageID, labels: labels, running: true}

	return id
}

func (f *fakeDocker) addImage(ref, id string) {
	f.images[ref] = engine.LocalImage{ID: id, RepoTags: []string{ref}}
}

func (f *fakeDocker) ListContainers(_ context.Context, _ bool) ([]engine.Container, error) {
	var out []engine.Container

	for _, c := range f.containers {
		if c.removed {
			continue
		}

		out = append(out, engine.Container{ID: c.id, Name: c.name, Image: c.image, ImageID: c.imageID, Labels: c.labels})
	}

	return out, nil
}

func (f *fakeDocker) ListContainersByLabel(_ context.Context, key, value string) ([]engine.Container, error) {
	var out []engine.Container

	for _, c := range f.containers {
		if c.removed {
			continue
		}

		if c.labels[key] == value {
			out = append(out, engine.Container{ID: c.id, Name: c.name, Image: c.image, ImageID: c.imageID, Labels: c.labels})
		}
	}

	return out, nil
}

func (f *fakeDocker) InspectContainer(_ context.Context, id string) (engine.Snapshot, error) {
	c, ok := f.containers[id]
	if !ok {
		return engine.Snapshot{}, fmt.Errorf("no such container %s", id)
	}

	return engine.Snapshot{Name: c.name, Image: c.image}, nil
}

func (f *fakeDocker) Stop(_ context.Context, id string) error {
	return nil
}

func (f *fakeDocker) Remove(_ context.Context, id string, _ bool) error {
	if c, ok := f.containers[id]; ok {
		c.removed = true
	}

	return nil
}

func (f *fakeDocker) Create(_ context.Context, spec engine.CreateSpec) (string, error) {
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	running, exitCode := f.onCreate(spec.Image)

	imageID := ""
	if img, ok := f.images[spec.Image]; ok {
		imageID = img.ID
	}

	f.containers[id] = &fakeContainer{id: id, name: spec.Name, image: spec.Image, imageID: imageID, running: running, exitCode: exitCode}

	return id, nil
}

func (f *fakeDocker) Start(_ context.Context, id string) error {
	return nil
}

func (f *fakeDocker) InspectStatus(_ context.Context, id string) (engine.ContainerStatus, error) {
	c, ok := f.containers[id]
	if !ok {
		return engine.ContainerStatus{}, fmt.Errorf("no such container %s", id)
	}

	return engine.ContainerStatus{Running: c.running, ExitCode: c.exitCode}, nil
}

func (f *fakeDocker) ListImages(_ context.Context, _ bool) ([]engine.LocalImage, error) {
	out := make([]engine.LocalImage, 0, len(f.images))
	for _, img := range f.images {
		out = append(out, img)
	}

	return out, nil
}

func (f *fakeDocker) InspectImage(_ context.Context, ref string) (engine.LocalImage, error) {
	img, ok := f.images[ref]
	if !ok {
		return engine.LocalImage{}, fmt.Errorf("no such image %s", ref)
	}

	return img, nil
}

func (f *fakeDocker) Pull(_ context.Context, _, _ string, _ engine.ProgressSink) error {
	return nil
}

func (f *fakeDocker) Tag(_ context.Context, id, repo, tag string, _ bool) error {
	f.images[repo+":"+tag] = engine.LocalImage{ID: id, RepoTags: []string{repo + ":" + tag}}
	return nil
}

func (f *fakeDocker) DeleteImage(_ context.Context, ref string, _ bool) error {
	delete(f.images, ref)
	f.deleted = append(f.deleted, ref)

	return nil
}

// fakeOracle answers HasNewer from a fixed map keyed by the reference's
// rendered string.
type fakeOracle struct {
	newer map[string]bool
}

func (o *fakeOracle) HasNewer(_ context.Context, ref reference.Reference) (bool, error) {
	return o.newer[ref.String()], nil
}

// disabledOrchestrator always reports Disabled, for tests that don't
// exercise the stack phase.
type disabledOrchestrator struct{}

func (disabledOrchestrator) Disabled() bool { return true }

func (disabledOrchestrator) ListStacks(context.Context) ([]orchestrator.Stack, error) {
	return nil, nil
}

func (disabledOrchestrator) GetManifest(context.Context, int) (string, error) { return "", nil }

func (disabledOrchestrator) GetStackEnv(context.Context, int) ([]orchestrator.EnvVar, error) {
	return nil, nil
}
func (disabledOrchestrator) Redeploy(context.Context, int, int, string, []orchestrator.EnvVar, orchestrator.RedeployOptions) error {
	return nil
}

func TestRun_TrivialNoOp(t *testing.T) {
	docker := newFakeDocker()
	docker.addContainer("r", "nginx:1.25", "A", nil)
	docker.addImage("nginx:1.25", "A")

	oracle := &fakeOracle{newer: map[string]bool{}}

	eng := update.New(docker, disabledOrchestrator{}, oracle, discardLogger(), update.Config{})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.ContainersUpdated)
	require.Equal(t, 0, result.ContainersRolledBack)
	require.Empty(t, docker.deleted)
}

func TestRun_SimpleUpdateCommitted(t *testing.T) {
	docker := newFakeDocker()
	docker.addContainer("app", "myrepo/app:prod", "B", nil)
	docker.addImage("myrepo/app:prod", "B")
	docker.onCreate = func(image string) (bool, int) { return true, 0 }

	oracle := &fakeOracle{newer: map[string]bool{"myrepo/app:prod": true}}

	eng := update.New(docker, disabledOrchestrator{}, oracle, discardLogger(), update.Config{ContainerCheckDelay: time.Nanosecond})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ContainersUpdated)
	require.Equal(t, 0, result.ContainersRolledBack)

	containers, _ := docker.ListContainers(context.Background(), true)
	require.Len(t, containers, 1)
	require.Equal(t, "myrepo/app:prod", containers[0].Image)

	foundBackup := false

	for ref := range docker.images {
		if backupTagPattern(ref) {
			foundBackup = true
		}
	}

	require.True(t, foundBackup, "expected a backup tag to have been created")
}

func TestRun_UpdateRolledBack(t *testing.T) {
	docker := newFakeDocker()
	docker.addContainer("app", "myrepo/app:prod", "B", nil)
	docker.addImage("myrepo/app:prod", "B")
	docker.onCreate = func(image string) (bool, int) {
		if backupTagPattern(image) {
			return true, 0 // the rollback container, from the backup image
		}

		return false, 1 // the failed new container
	}

	oracle := &fakeOracle{newer: map[string]bool{"myrepo/app:prod": true}}

	eng := update.New(docker, disabledOrchestrator{}, oracle, discardLogger(), update.Config{ContainerCheckDelay: time.Nanosecond})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ContainersRolledBack)

	containers, _ := docker.ListContainers(context.Background(), true)
	require.Len(t, containers, 1)
	require.True(t, backupTagPattern(containers[0].Image))

	// a second cycle must leave the rolled-back container alone
	result2, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result2.ContainersRolledBack)
	require.Equal(t, 0, result2.ContainersUpdated)
}

func TestRun_DigestPinnedSkip(t *testing.T) {
	docker := newFakeDocker()
	docker.addContainer("pinned", "repo/x@sha256:abc123", "A", nil)
	docker.addImage("repo/x@sha256:abc123", "A")

	oracle := &fakeOracle{newer: map[string]bool{}}

	eng := update.New(docker, disabledOrchestrator{}, oracle, discardLogger(), update.Config{})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.ContainersUpdated)
	require.Equal(t, 0, result.ContainersRolledBack)
	require.Empty(t, docker.deleted)
}

func TestRun_PruneRetentionBoundary(t *testing.T) {
	docker := newFakeDocker()
	docker.addContainer("app", "myrepo/app:prod", "B", nil)
	docker.addImage("myrepo/app:prod", "B")

	now := time.Now().UTC()
	recent := now.Add(-4 * 24 * time.Hour).Format("20060102150405")
	old := now.Add(-6 * 24 * time.Hour).Format("20060102150405")

	docker.addImage("myrepo/app:backup-"+recent, "A")
	docker.addImage("myrepo/app:backup-"+old, "C")

	oracle := &fakeOracle{newer: map[string]bool{}}

	eng := update.New(docker, disabledOrchestrator{}, oracle, discardLogger(), update.Config{BackupRetention: 5 * 24 * time.Hour})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ImagesPruned)
	require.Equal(t, []string{"myrepo/app:backup-" + old}, docker.deleted)

	_, stillThere := docker.images["myrepo/app:backup-"+recent]
	require.True(t, stillThere)

	_, stillThere = docker.images["myrepo/app:prod"]
	require.True(t, stillThere)
}

func backupTagPattern(ref string) bool {
	return strings.Contains(ref, ":backup-")
}

// Package docker adapts the Docker Engine API to the sandbox.Driver
// interface.  Script and binary artifacts are written into the app's data
// directory and bind-mounted into a fixed base image; container artifacts are
// image references.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/tri2510/vehicle-edge-runtime/sandbox"
	"github.com/tri2510/vehicle-edge-runtime/store"
)

const (
	workDir      = "/work"
	managedLabel = "vea.managed"
)

// Driver implements sandbox.Driver against a local engine socket.
type Driver struct {
	cli         *client.Client
	scriptImage string
}

// New connects to the engine at socketPath.  scriptImage is the base image
// used to run script and binary artifacts.
func New(socketPath, scriptImage string) (*Driver, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("engine client: %w", err)
	}
	return &Driver{cli: cli, scriptImage: scriptImage}, nil
}

// Ping reports engine reachability.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrDriverUnavailable, err)
	}
	return nil
}

// Create materialises the artifact and creates (but does not start) the
// container.  Returns the engine container id as the opaque handle.
func (d *Driver) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	img, cmd, err := d.materialize(spec)
	if err != nil {
		return "", err
	}

	if err := d.ensureImage(ctx, img); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      img,
		Cmd:        cmd,
		Env:        spec.Env,
		WorkingDir: workDir,
		Labels: map[string]string{
			managedLabel: "true",
			"vea.app":    spec.Name,
		},
	}
	host := &container.HostConfig{
		Binds: []string{spec.DataPath + ":" + workDir},
		Resources: container.Resources{
			Memory:    spec.Limits.MemoryBytes,
			CPUShares: spec.Limits.CPUShares,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", mapErr(err, "create")
	}
	return resp.ID, nil
}

// materialize resolves the image and command for the artifact kind.  Script
// and binary artifacts are written under the data path so the bind mount
// exposes them at /work.
func (d *Driver) materialize(spec sandbox.Spec) (img string, cmd []string, err error) {
	switch spec.Kind {
	case store.KindContainer:
		ref := strings.TrimSpace(string(spec.Artifact))
		if ref == "" {
			return "", nil, fmt.Errorf("%w: empty image reference", sandbox.ErrArtifactUnusable)
		}
		return ref, nil, nil

	case store.KindScript:
		if len(spec.Artifact) == 0 {
			return "", nil, fmt.Errorf("%w: empty script", sandbox.ErrArtifactUnusable)
		}
		if err := writeArtifact(spec.DataPath, "app", spec.Artifact, 0o644); err != nil {
			return "", nil, err
		}
		return d.scriptImage, []string{interpreterFor(spec.Artifact), workDir + "/app"}, nil

	case store.KindBinary:
		if len(spec.Artifact) == 0 {
			return "", nil, fmt.Errorf("%w: empty binary", sandbox.ErrArtifactUnusable)
		}
		if err := writeArtifact(spec.DataPath, "app", spec.Artifact, 0o755); err != nil {
			return "", nil, err
		}
		return d.scriptImage, []string{workDir + "/app"}, nil
	}
	return "", nil, fmt.Errorf("%w: kind %q", sandbox.ErrArtifactUnusable, spec.Kind)
}

// interpreterFor honours a shebang line; plain scripts run under /bin/sh.
func interpreterFor(artifact []byte) string {
	first, _, _ := strings.Cut(string(artifact), "\n")
	if rest, ok := strings.CutPrefix(first, "#!"); ok {
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			// "#!/usr/bin/env python3" → python3
			if filepath.Base(fields[0]) == "env" && len(fields) > 1 {
				return fields[1]
			}
			return fields[0]
		}
	}
	return "/bin/sh"
}

func writeArtifact(dataPath, name string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("%w: data dir: %v", sandbox.ErrArtifactUnusable, err)
	}
	if err := os.WriteFile(filepath.Join(dataPath, name), data, mode); err != nil {
		return fmt.Errorf("%w: write artifact: %v", sandbox.ErrArtifactUnusable, err)
	}
	return nil
}

// ensureImage pulls the image if the engine does not have it yet.
func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", sandbox.ErrArtifactUnusable, ref, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc) // pull completes when the stream drains
	return nil
}

func (d *Driver) Start(ctx context.Context, handle string) error {
	st, err := d.Inspect(ctx, handle)
	if err != nil {
		return err
	}
	if st.State == sandbox.StateRunning {
		return sandbox.ErrAlreadyStarted
	}
	if err := d.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return mapErr(err, "start")
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context, handle string, grace time.Duration) (int, error) {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs}); err != nil {
		return 0, mapErr(err, "stop")
	}
	st, err := d.Inspect(ctx, handle)
	if err != nil {
		return 0, err
	}
	if st.ExitCode != nil {
		return *st.ExitCode, nil
	}
	return 0, nil
}

func (d *Driver) Pause(ctx context.Context, handle string) error {
	st, err := d.Inspect(ctx, handle)
	if err != nil {
		return err
	}
	if st.State != sandbox.StateRunning {
		return sandbox.ErrNotRunning
	}
	if err := d.cli.ContainerPause(ctx, handle); err != nil {
		return mapErr(err, "pause")
	}
	return nil
}

func (d *Driver) Resume(ctx context.Context, handle string) error {
	st, err := d.Inspect(ctx, handle)
	if err != nil {
		return err
	}
	if st.State != sandbox.StatePaused {
		return sandbox.ErrNotPaused
	}
	if err := d.cli.ContainerUnpause(ctx, handle); err != nil {
		return mapErr(err, "resume")
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return mapErr(err, "remove")
	}
	return nil
}

func (d *Driver) Inspect(ctx context.Context, handle string) (sandbox.Status, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return sandbox.Status{}, mapErr(err, "inspect")
	}

	st := sandbox.Status{}
	switch info.State.Status {
	case "created":
		st.State = sandbox.StateCreated
	case "running":
		st.State = sandbox.StateRunning
	case "paused":
		st.State = sandbox.StatePaused
	case "exited", "dead":
		st.State = sandbox.StateExited
		code := info.State.ExitCode
		st.ExitCode = &code
	default:
		st.State = info.State.Status
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		st.StartedAt = t
	}
	return st, nil
}

// AttachLogs follows the container's multiplexed log stream, demultiplexes it
// with stdcopy and emits one LogLine per line.  The returned channel closes
// when the stream ends or ctx is cancelled.
func (d *Driver) AttachLogs(ctx context.Context, handle string, tail bool) (<-chan sandbox.LogLine, error) {
	tailArg := "all"
	if tail {
		tailArg = "0"
	}
	rc, err := d.cli.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       tailArg,
	})
	if err != nil {
		return nil, mapErr(err, "logs")
	}

	out := make(chan sandbox.LogLine, 64)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(outW, errW, rc)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
		rc.Close()
	}()

	var wg sync.WaitGroup
	scan := func(r io.Reader, stream string) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			line := make([]byte, len(sc.Bytes()))
			copy(line, sc.Bytes())
			select {
			case out <- sandbox.LogLine{Stream: stream, Data: line, TS: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
	}
	wg.Add(2)
	go scan(outR, "out")
	go scan(errR, "err")
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// Reap is the idempotent best-effort stop-then-remove used by the reconciler.
func (d *Driver) Reap(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	secs := 5
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs}); err != nil && !errdefs.IsNotFound(err) {
		log.Printf("docker: reap stop %s: %v", shortHandle(handle), err)
	}
	if err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		log.Printf("docker: reap remove %s: %v", shortHandle(handle), err)
	}
}

// Managed lists every container carrying the supervisor's label, in any
// state.  The reconciler sweeps these against the persisted runtime rows.
func (d *Driver) Managed(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, mapErr(err, "list")
	}
	handles := make([]string, 0, len(list))
	for _, c := range list {
		handles = append(handles, c.ID)
	}
	return handles, nil
}

// ---- internal helpers ----

func mapErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %v", sandbox.ErrNotFound, op, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %s: %v", sandbox.ErrInUse, op, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s: %v", sandbox.ErrDriverUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func shortHandle(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

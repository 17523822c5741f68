// container.go runs pipeline commands inside a long-lived build container.
//
// One container is created per run from the requested image, with the
// workspace bind-mounted at the same absolute path it has on the host. Clone
// and copy steps keep running on the host; because the paths agree, exec
// steps inside the container see their results without any translation.
// Each exec step becomes one `docker exec` in that container.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shinji-kodama/bindci/internal/ctxlog"
	"github.com/shinji-kodama/bindci/internal/executor"
	"github.com/shinji-kodama/bindci/internal/model"
)

// removeTimeout bounds container removal, which also runs after the run's
// context has been cancelled.
const removeTimeout = 30 * time.Second

// execPollInterval is how often a finished exec stream is re-inspected
// while the daemon still reports the process as running.
const execPollInterval = 50 * time.Millisecond

// execAPI is the part of the Engine API ContainerRunner needs.
// *client.Client satisfies it.
type execAPI interface {
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// ContainerInfo describes a bindci build container found on the daemon.
type ContainerInfo struct {
	ID    string
	Name  string
	Image string
	State string

	// Run is nil when the container's labels could not be parsed.
	Run *RunLabels
}

// BuildOptions configures StartBuildContainer.
type BuildOptions struct {
	// Image is the image reference. It is pulled if not present locally.
	Image string

	// Workspace is the absolute host directory mounted into the container.
	Workspace string

	// Labels identify the run; Workspace is filled in from the field above.
	Labels RunLabels
}

// BuildContainer is a running container that pipeline commands execute in.
// Close removes it.
type BuildContainer struct {
	ID    string
	Name  string
	Image string

	// Runner executes commands in the container.
	Runner *ContainerRunner

	cli *Client
}

// StartBuildContainer pulls the image if needed, then creates and starts a
// labelled container that idles until it is removed.
func StartBuildContainer(ctx context.Context, cli *Client, opts BuildOptions) (*BuildContainer, error) {
	if opts.Image == "" {
		return nil, errors.New("build container requires an image")
	}
	if opts.Workspace == "" {
		return nil, errors.New("build container requires a workspace")
	}
	log := ctxlog.FromContext(ctx)

	if err := ensureImage(ctx, cli, opts.Image); err != nil {
		return nil, err
	}

	labels := opts.Labels
	labels.Workspace = opts.Workspace
	if labels.CreatedAt.IsZero() {
		labels.CreatedAt = time.Now()
	}
	name := ContainerName(labels.RunID)

	created, err := cli.Inner().ContainerCreate(ctx,
		&container.Config{
			Image:      opts.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: opts.Workspace,
			Labels:     BuildLabels(labels),
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: opts.Workspace,
				Target: opts.Workspace,
			}},
		},
		nil, nil, name,
	)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create build container from %q", opts.Image), err)
	}

	bc := &BuildContainer{
		ID:     created.ID,
		Name:   name,
		Image:  opts.Image,
		Runner: &ContainerRunner{api: cli.Inner(), containerID: created.ID},
		cli:    cli,
	}

	if err := cli.Inner().ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = bc.Close(ctx)
		return nil, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start build container %q", name), err)
	}

	log.Info("build container started", "container", name, "image", opts.Image)
	return bc, nil
}

// Close force-removes the container, killing anything still running in it.
// It works even when ctx has already been cancelled.
func (b *BuildContainer) Close(ctx context.Context) error {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	if err := RemoveContainer(rmCtx, b.cli, b.ID, true); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("build container removed", "container", b.Name)
	return nil
}

// ensureImage pulls ref unless an image with that reference already exists.
func ensureImage(ctx context.Context, cli *Client, ref string) error {
	local, err := cli.Inner().ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker images", err)
	}
	if len(local) > 0 {
		return nil
	}

	ctxlog.FromContext(ctx).Info("pulling image", "image", ref)
	rc, err := cli.Inner().ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, fmt.Sprintf("failed to pull image %q", ref), err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream has been drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, fmt.Sprintf("failed to pull image %q", ref), err)
	}
	return nil
}

// ContainerRunner implements executor.Runner with `docker exec`.
//
// The command environment is Command.Env on top of the image's environment;
// the host environment is not passed through.
type ContainerRunner struct {
	api         execAPI
	containerID string
}

var _ executor.Runner = (*ContainerRunner)(nil)

// Run executes cmd in the container and waits for it to exit. On
// cancellation the attached stream is closed and ctx.Err() is returned; the
// process itself is stopped when the container is removed.
func (r *ContainerRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	if len(cmd.Args) == 0 {
		return executor.Result{}, errors.New("empty command")
	}

	created, err := r.api.ContainerExecCreate(ctx, r.containerID, container.ExecOptions{
		Cmd:          cmd.Args,
		Env:          executor.MergeEnv(nil, cmd.Env),
		WorkingDir:   cmd.Dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return executor.Result{}, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create exec for %s", cmd.Args[0]), err)
	}

	resp, err := r.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return executor.Result{}, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to attach to exec for %s", cmd.Args[0]), err)
	}
	defer resp.Close()

	// Unblock StdCopy when the run is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-done:
		}
	}()

	_, copyErr := stdcopy.StdCopy(writerOrDiscard(cmd.Stdout), writerOrDiscard(cmd.Stderr), resp.Reader)
	if ctx.Err() != nil {
		return executor.Result{}, ctx.Err()
	}
	if copyErr != nil {
		return executor.Result{}, fmt.Errorf("reading output of %s: %w", cmd.Args[0], copyErr)
	}

	return r.waitExit(ctx, created.ID, cmd.Args[0])
}

// waitExit returns the exit code of a finished exec. The output stream can
// close slightly before the daemon records the exit, so a still-running
// exec is polled.
func (r *ContainerRunner) waitExit(ctx context.Context, execID, name string) (executor.Result, error) {
	for {
		info, err := r.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return executor.Result{}, model.WrapCLIError(model.ExitDockerNotRunning,
				fmt.Sprintf("failed to inspect exec for %s", name), err)
		}
		if !info.Running {
			// 126/127 from the container runtime mean the binary is not
			// executable or not found, same as on the host.
			return executor.Result{ExitCode: info.ExitCode}, nil
		}

		select {
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// ListManagedContainers returns every bindci container on the daemon,
// stopped ones included.
func ListManagedContainers(ctx context.Context, cli *Client) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range FilterLabels() {
		args.Add("label", k+"="+v)
	}

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, summaryToInfo(c))
	}
	return result, nil
}

// summaryToInfo maps an API container summary. Docker reports names with
// a leading "/", which is stripped.
func summaryToInfo(c container.Summary) ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	info := ContainerInfo{
		ID:    c.ID,
		Name:  name,
		Image: c.Image,
		State: string(c.State),
	}
	if run, err := ParseLabels(c.Labels); err == nil {
		info.Run = run
	}
	return info
}

// FilterByWorkspace keeps the containers created for workspace.
// Containers with unreadable labels are kept too, since nothing else
// would ever clean them up.
func FilterByWorkspace(containers []ContainerInfo, workspace string) []ContainerInfo {
	var out []ContainerInfo
	for _, c := range containers {
		if c.Run == nil || c.Run.Workspace == workspace {
			out = append(out, c)
		}
	}
	return out
}

// RemoveContainer removes a container by ID. With force, a running
// container is killed first.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID), err)
	}
	return nil
}

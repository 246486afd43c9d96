package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// DockerSupervisor implements Supervisor over the Docker Engine API.
type DockerSupervisor struct {
	cli *client.Client
	log zerolog.Logger

	// engineURL builds the in-network base URL of a container's engine.
	// Overridable in tests.
	engineURL func(name string) string
	httpc     *http.Client
}

// NewDockerSupervisor connects to the daemon using the standard environment
// (DOCKER_HOST etc).
func NewDockerSupervisor(enginePort int, log zerolog.Logger) (*DockerSupervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSupervisor{
		cli: cli,
		log: log.With().Str("component", "runtime").Logger(),
		engineURL: func(name string) string {
			return fmt.Sprintf("http://%s:%d", name, enginePort)
		},
		httpc: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (d *DockerSupervisor) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return spawnErrOf(kindRuntimeDown, err.Error())
	}
	return nil
}

func (d *DockerSupervisor) EnsureImage(ctx context.Context, ref string) error {
	imgs, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return classifyErr(err)
	}
	if len(imgs) > 0 {
		return nil
	}
	d.log.Info().Str("image", ref).Msg("pulling engine image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return spawnErrOf(kindImageMissing, err.Error())
	}
	defer rc.Close()
	// Drain the pull progress stream; completion is what matters.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return spawnErrOf(kindImageMissing, err.Error())
	}
	return nil
}

func (d *DockerSupervisor) Spawn(ctx context.Context, spec ContainerSpec) (string, error) {
	enginePort := nat.Port(fmt.Sprintf("%d/tcp", spec.EnginePort))

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Args,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{enginePort: struct{}{}},
	}

	var mounts []mount.Mount
	for src, dst := range spec.Volumes {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: src, Target: dst})
	}

	host := &container.HostConfig{
		Mounts:        mounts,
		NetworkMode:   container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{{
				Driver:       "nvidia",
				DeviceIDs:    []string{strconv.Itoa(spec.GPUDevice)},
				Capabilities: [][]string{{"gpu"}},
			}},
		},
	}
	if spec.HostPort > 0 {
		host.PortBindings = nat.PortMap{
			enginePort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", classifyErr(err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", classifyErr(err)
	}
	return resp.ID, nil
}

func (d *DockerSupervisor) Inspect(ctx context.Context, name string) (ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerInfo{}, classifyErr(err)
	}
	info := ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.State != nil {
		info.Status = resp.State.Status
		info.Running = resp.State.Running
	}
	if resp.Config != nil {
		info.Env = resp.Config.Env
		info.Args = resp.Config.Cmd
	}
	return info, nil
}

func (d *DockerSupervisor) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classifyErr(err)
	}
	return nil
}

func (d *DockerSupervisor) Remove(ctx context.Context, name string) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classifyErr(err)
	}
	return nil
}

func (d *DockerSupervisor) List(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     false,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	var out []ContainerInfo
	for _, s := range summaries {
		if len(s.Names) == 0 {
			continue
		}
		name := strings.TrimPrefix(s.Names[0], "/")
		// The name filter is a substring match; enforce the prefix contract.
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := d.Inspect(ctx, name)
		if err != nil {
			d.log.Warn().Err(err).Str("container", name).Msg("inspect during list")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (d *DockerSupervisor) Logs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", classifyErr(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	// Docker multiplexes stdout/stderr on one stream.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	return buf.String(), nil
}

func (d *DockerSupervisor) Exec(ctx context.Context, name string, cmd []string) error {
	exec, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{Cmd: cmd})
	if err != nil {
		return classifyErr(err)
	}
	if err := d.cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{}); err != nil {
		return classifyErr(err)
	}
	return nil
}

// readinessMarker appears on the engine's stderr once the HTTP server is up.
const readinessMarker = "Application startup complete"

func (d *DockerSupervisor) WaitReady(ctx context.Context, name, servedID string, deadline time.Duration) error {
	return waitReady(ctx, waitReadyParams{
		url:      d.engineURL(name) + "/v1/models",
		servedID: servedID,
		deadline: deadline,
		httpc:    d.httpc,
		logs: func(ctx context.Context) (string, error) {
			return d.Logs(ctx, name, 200)
		},
		running: func(ctx context.Context) (bool, error) {
			info, err := d.Inspect(ctx, name)
			if err != nil {
				return false, err
			}
			return info.Running, nil
		},
	})
}

type waitReadyParams struct {
	url      string
	servedID string
	deadline time.Duration
	httpc    *http.Client
	logs     func(ctx context.Context) (string, error)
	running  func(ctx context.Context) (bool, error)
}

// waitReady polls the engine with exponential backoff (500ms doubling,
// capped at 5s) until it reports servedID, the container dies, or the
// deadline elapses.
func waitReady(ctx context.Context, p waitReadyParams) error {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	backoff := 500 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if p.running != nil {
			alive, err := p.running(ctx)
			if err == nil && !alive {
				msg := "container stopped unexpectedly"
				if p.logs != nil {
					if tail, lerr := p.logs(ctx); lerr == nil && tail != "" {
						msg = msg + "; last logs: " + lastLine(tail)
					}
				}
				return notReadyError{msg: msg}
			}
		}
		if engineReady(ctx, p.httpc, p.url, p.servedID) {
			return nil
		}
		if p.logs != nil {
			if tail, err := p.logs(ctx); err == nil && strings.Contains(tail, readinessMarker) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return notReadyError{msg: fmt.Sprintf("deadline exceeded after %s", p.deadline)}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// engineReady checks GET /v1/models and matches the first model id against
// the served identifier.
func engineReady(ctx context.Context, httpc *http.Client, url, servedID string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var envelope struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return false
	}
	return len(envelope.Data) > 0 && envelope.Data[0].ID == servedID
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// classifyErr maps runtime errors onto the spawn failure taxonomy.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case client.IsErrConnectionFailed(err),
		strings.Contains(lower, "cannot connect to the docker daemon"):
		return spawnErrOf(kindRuntimeDown, msg)
	case strings.Contains(lower, "no such image"),
		strings.Contains(lower, "pull access denied"),
		strings.Contains(lower, "manifest unknown"):
		return spawnErrOf(kindImageMissing, msg)
	case strings.Contains(lower, "port is already allocated"),
		strings.Contains(lower, "address already in use"):
		return spawnErrOf(kindPortConflict, msg)
	case strings.Contains(lower, "could not select device driver"),
		strings.Contains(lower, "unknown or invalid runtime"),
		strings.Contains(lower, "nvidia-container-cli"):
		return spawnErrOf(kindGPUUnavailable, msg)
	case strings.Contains(lower, "quota"),
		strings.Contains(lower, "no space left"):
		return spawnErrOf(kindQuotaExceeded, msg)
	}
	return err
}

package docker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
)

// Driver manages engine containers through the Docker API. Only containers
// carrying the orchestrator's owner label are visible to it.
type Driver struct {
	cli     client.APIClient
	ownerID string
	logger  *logger.StyledLogger
}

// New connects to the local Docker daemon. The caller should Ping before
// relying on the driver; an unreachable daemon at startup is exit code 2.
func New(ownerID string, log *logger.StyledLogger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Driver{cli: cli, ownerID: ownerID, logger: log}, nil
}

// NewWithClient injects an API client (tests)
func NewWithClient(cli client.APIClient, ownerID string, log *logger.StyledLogger) *Driver {
	return &Driver{cli: cli, ownerID: ownerID, logger: log}
}

// Ping verifies the daemon is reachable
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Start creates and starts an engine container with the requested port
// bindings. The container-side ports must match what the engine's CONF makes
// it bind, so the start spec carries both sides explicitly.
func (d *Driver) Start(ctx context.Context, spec domain.StartSpec) (domain.ContainerInfo, error) {
	labels := map[string]string{domain.LabelOwner: d.ownerID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	httpPort := nat.Port(strconv.Itoa(spec.HTTPPort) + "/tcp")
	httpsPort := nat.Port(strconv.Itoa(spec.HTTPSPort) + "/tcp")

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			httpPort:  struct{}{},
			httpsPort: struct{}{},
		},
	}
	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			httpPort:  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostHTTPPort)}},
			httpsPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostHTTPSPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.NetworkMode != "" {
		// Engines bound to a VPN share its network namespace; port
		// publishing happens on the sidecar in that case.
		host.NetworkMode = container.NetworkMode(spec.NetworkMode)
		cfg.ExposedPorts = nil
		host.PortBindings = nil
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return domain.ContainerInfo{}, fmt.Errorf("create %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best effort teardown so a half-created engine never leaks
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return domain.ContainerInfo{}, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	d.logger.InfoWithEngine("Started container", spec.Name,
		"id", shortID(created.ID), "host_http_port", spec.HostHTTPPort)

	return d.Inspect(ctx, created.ID)
}

// Stop stops and removes the container. Already-gone containers are success.
func (d *Driver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop %s: %w", shortID(containerID), err)
	}
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", shortID(containerID), err)
	}
	return nil
}

// Inspect returns the driver's view of one container
func (d *Driver) Inspect(ctx context.Context, containerID string) (domain.ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.ContainerInfo{}, domain.ErrNotFound
		}
		return domain.ContainerInfo{}, err
	}
	return d.toInfo(resp), nil
}

// ListManaged returns every container bearing the owner label
func (d *Driver) ListManaged(ctx context.Context) ([]domain.ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", domain.LabelOwner+"="+d.ownerID))
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}

	infos := make([]domain.ContainerInfo, 0, len(list))
	for _, c := range list {
		info := domain.ContainerInfo{
			ID:        c.ID,
			Host:      "127.0.0.1",
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
			Running:   c.State == "running",
		}
		if len(c.Names) > 0 {
			info.Name = trimSlash(c.Names[0])
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			switch {
			case info.HostHTTPPort == 0:
				info.HostHTTPPort = int(p.PublicPort)
			case info.HostHTTPSPort == 0:
				info.HostHTTPSPort = int(p.PublicPort)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *Driver) toInfo(resp container.InspectResponse) domain.ContainerInfo {
	info := domain.ContainerInfo{
		ID:      resp.ID,
		Name:    trimSlash(resp.Name),
		Host:    "127.0.0.1",
		Running: resp.State != nil && resp.State.Running,
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		info.CreatedAt = created
	}
	if resp.NetworkSettings != nil {
		for port, bindings := range resp.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			hostPort, err := strconv.Atoi(bindings[0].HostPort)
			if err != nil {
				continue
			}
			if port.Proto() != "tcp" {
				continue
			}
			if info.HostHTTPPort == 0 {
				info.HostHTTPPort = hostPort
			} else if info.HostHTTPSPort == 0 {
				info.HostHTTPSPort = hostPort
			}
		}
	}
	return info
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

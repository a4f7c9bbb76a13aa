// Package docker realizes resources on a local Docker daemon for
// development workflows: network becomes a Docker network, compute-service a
// running container, and registry a registry:2 container backed by a named
// volume. Identity roles and security policies have no local analogue and
// are tracked as inert placeholders.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

type Provider struct {
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	p.client = cli
	return nil
}

func (p *Provider) Create(ctx context.Context, kind, name string, attrs map[string]any) (map[string]any, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch kind {
	case "network":
		return p.createNetwork(ctx, name, attrs)
	case "compute-service":
		return p.createService(ctx, name, attrs)
	case "registry":
		return p.createRegistry(ctx, name, attrs)
	case "security-policy", "identity-role":
		return placeholderOutputs(kind, name), nil
	}
	return nil, fmt.Errorf("unsupported kind: %s", kind)
}

// Update recreates containers under the same name; Docker has no in-place
// reconfiguration, so the returned id supersedes the prior one.
func (p *Provider) Update(ctx context.Context, id, kind string, attrs map[string]any) (map[string]any, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch kind {
	case "compute-service":
		name, err := p.containerName(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := p.removeContainer(ctx, id); err != nil {
			return nil, err
		}
		return p.createService(ctx, name, attrs)
	case "network":
		return map[string]any{"id": id}, nil
	case "registry":
		return map[string]any{"id": id, "url": registryURL(attrs)}, nil
	case "security-policy", "identity-role":
		return placeholderOutputs(kind, id), nil
	}
	return nil, fmt.Errorf("unsupported kind: %s", kind)
}

func (p *Provider) Destroy(ctx context.Context, id, kind string) error {
	if err := p.ensureClient(); err != nil {
		return err
	}

	switch kind {
	case "network":
		if err := p.client.NetworkRemove(ctx, id); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove network: %w", err)
		}
		return nil
	case "compute-service":
		return p.removeContainer(ctx, id)
	case "registry":
		return p.destroyRegistry(ctx, id)
	case "security-policy", "identity-role":
		return nil
	}
	return fmt.Errorf("unsupported kind: %s", kind)
}

func (p *Provider) Describe(ctx context.Context, id, kind string) (map[string]any, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch kind {
	case "network":
		resp, err := p.client.NetworkInspect(ctx, id, network.InspectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to inspect network: %w", err)
		}
		return map[string]any{"id": resp.ID, "name": resp.Name, "driver": resp.Driver}, nil
	case "compute-service", "registry":
		inspect, err := p.client.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container: %w", err)
		}
		return map[string]any{
			"id":      inspect.ID,
			"name":    inspect.Name,
			"running": inspect.State != nil && inspect.State.Running,
		}, nil
	case "security-policy", "identity-role":
		return placeholderOutputs(kind, id), nil
	}
	return nil, fmt.Errorf("unsupported kind: %s", kind)
}

type networkAttrs struct {
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

func (p *Provider) createNetwork(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[networkAttrs](attrs)
	if err != nil {
		return nil, err
	}

	driver := desired.Driver
	if driver == "" {
		driver = "bridge"
	}

	resp, err := p.client.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:   driver,
		Internal: desired.Internal,
		Labels:   desired.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}

	return map[string]any{
		"id":   resp.ID,
		"name": name,
	}, nil
}

type serviceAttrs struct {
	Image    string            `json:"image"`
	Command  []string          `json:"command"`
	Env      map[string]string `json:"env"`
	Ports    map[string]int    `json:"ports"`
	Networks []string          `json:"networks"`
	Labels   map[string]string `json:"labels"`
	Restart  string            `json:"restart"`
}

func (p *Provider) createService(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[serviceAttrs](attrs)
	if err != nil {
		return nil, err
	}
	if desired.Image == "" {
		return nil, fmt.Errorf("compute-service %s: image is required", name)
	}

	if err := p.pullImage(ctx, desired.Image); err != nil {
		return nil, err
	}

	portBindings := nat.PortMap{}
	for hostPort, containerPort := range desired.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		portBindings[port] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: hostPort},
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
	}
	if len(desired.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(desired.Networks[0])
	}
	if desired.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(desired.Restart),
		}
	}

	config := &container.Config{
		Image:  desired.Image,
		Cmd:    desired.Command,
		Env:    mapToEnvList(desired.Env),
		Labels: desired.Labels,
	}

	id, err := p.runContainer(ctx, config, hostConfig, name)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":       id,
		"endpoint": "localhost",
	}, nil
}

type registryAttrs struct {
	HostPort int `json:"hostPort"`
}

// registryURL derives the advertised address from the published host port.
func registryURL(attrs map[string]any) string {
	desired, err := decodeAttrs[registryAttrs](attrs)
	if err != nil || desired.HostPort == 0 {
		return "localhost:5000"
	}
	return fmt.Sprintf("localhost:%d", desired.HostPort)
}

// createRegistry runs a registry:2 container with a named volume so pushed
// images survive container replacement.
func (p *Provider) createRegistry(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[registryAttrs](attrs)
	if err != nil {
		return nil, err
	}

	hostPort := desired.HostPort
	if hostPort == 0 {
		hostPort = 5000
	}

	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: name + "-data",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry volume: %w", err)
	}

	if err := p.pullImage(ctx, "registry:2"); err != nil {
		return nil, err
	}

	port := nat.Port("5000/tcp")
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
			},
		},
		Binds: []string{vol.Name + ":/var/lib/registry"},
	}
	config := &container.Config{
		Image: "registry:2",
	}

	id, err := p.runContainer(ctx, config, hostConfig, name)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":  id,
		"url": registryURL(attrs),
	}, nil
}

func (p *Provider) destroyRegistry(ctx context.Context, id string) error {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect registry container: %w", err)
	}

	if err := p.removeContainer(ctx, id); err != nil {
		return err
	}

	for _, mount := range inspect.Mounts {
		if mount.Name == "" {
			continue
		}
		if err := p.client.VolumeRemove(ctx, mount.Name, true); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove registry volume: %w", err)
		}
	}
	return nil
}

func (p *Provider) pullImage(ctx context.Context, ref string) error {
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	io.Copy(os.Stderr, reader)
	reader.Close()
	return nil
}

func (p *Provider) runContainer(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	resp, err := p.client.ContainerCreate(ctx,
		config,
		hostConfig,
		&network.NetworkingConfig{},
		&v1.Platform{},
		name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

func (p *Provider) removeContainer(ctx context.Context, id string) error {
	timeout := 10 // seconds
	_ = p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

func (p *Provider) containerName(ctx context.Context, id string) (string, error) {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	name := inspect.Name
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name, nil
}

func placeholderOutputs(kind, name string) map[string]any {
	out := map[string]any{"id": "local-" + kind + "-" + name}
	if kind == "identity-role" {
		out["arn"] = "local:role/" + name
	}
	return out
}

func decodeAttrs[T any](attrs map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(attrs)
	if err != nil {
		return out, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return out, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

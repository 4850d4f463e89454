// Package container drives worker containers through the host's podman
// runtime: create, start, delete, and stale discovery by label.
package container

import (
	"context"
	"fmt"
	"strconv"

	"github.com/codeinterp/gateway/internal/gatewayerr"
	"github.com/codeinterp/gateway/internal/podman"
)

// managedByLabel tags every container this gateway creates, so a restart
// can find and delete orphans left behind by a previous process.
const managedByLabel = "managed-by=code-interpreter-gateway"

// Driver wraps the podman client with the worker-container domain: fixed
// hardening profile, vdisk device injection, resource limits.
type Driver struct {
	client *podman.Client
}

func NewDriver() (*Driver, error) {
	client, err := podman.NewClient()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindProvision, "container.NewDriver", err)
	}
	return &Driver{client: client}, nil
}

// CreateSpec describes the worker container to create.
type CreateSpec struct {
	Name       string
	Image      string
	Network    string
	Env        map[string]string
	LoopDevice string // host loop device, mapped to /dev/vdisk inside the container
	CPUCores   float64
	MemBytes   int64
	Labels     map[string]string
}

// Create builds and starts a worker container, exposing LoopDevice as
// /dev/vdisk with read-write-mknod cgroup permission. Returns the
// container ID.
func (d *Driver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := podman.DefaultContainerConfig(spec.Name, spec.Image)
	cfg.NetworkMode = spec.Network
	cfg.Env = spec.Env
	cfg.CPUs = strconv.FormatFloat(spec.CPUCores, 'f', -1, 64)
	cfg.Memory = fmt.Sprintf("%d", spec.MemBytes)
	if spec.LoopDevice != "" {
		cfg.DeviceMap = []string{spec.LoopDevice + ":/dev/vdisk:rwm"}
	}
	for k, v := range spec.Labels {
		cfg.Labels[k] = v
	}
	cfg.Labels["managed-by"] = "code-interpreter-gateway"

	id, err := d.client.CreateContainer(ctx, cfg)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindProvision, "container.Create", err)
	}
	if err := d.client.StartContainer(ctx, id); err != nil {
		_ = d.client.RemoveContainer(ctx, id, true)
		return "", gatewayerr.New(gatewayerr.KindProvision, "container.Create", err)
	}
	return id, nil
}

// Delete removes a container. force=true kills it first; a missing
// container is not an error (the caller may be cleaning up after a crash).
func (d *Driver) Delete(ctx context.Context, id string, force bool) error {
	if err := d.client.RemoveContainer(ctx, id, force); err != nil {
		if _, inspectErr := d.client.InspectContainer(ctx, id); inspectErr != nil {
			return nil
		}
		return gatewayerr.New(gatewayerr.KindProvision, "container.Delete", err)
	}
	return nil
}

// ListByLabel returns every container carrying the gateway's managed-by
// label, used at startup to find and reap orphans from a prior process.
func (d *Driver) ListByLabel(ctx context.Context) ([]podman.PSEntry, error) {
	entries, err := d.client.ListContainers(ctx, managedByLabel)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindProvision, "container.ListByLabel", err)
	}
	return entries, nil
}

// CleanupStale deletes every container carrying the managed-by label.
// Called once at startup before replenishing the idle pool.
func (d *Driver) CleanupStale(ctx context.Context) error {
	entries, err := d.ListByLabel(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.Delete(ctx, e.ID, true); err != nil {
			return err
		}
	}
	return nil
}

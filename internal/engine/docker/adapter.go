// Package docker drives container engines through the Docker Engine API.
// It backs the client interface style for docker and isulad alike.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// keepAlive runs until stopped and exits promptly on SIGTERM so stop
// latency is not dominated by the kill grace period.
var keepAlive = []string{"sh", "-c", "trap 'exit 0' TERM; sleep 3600 & wait"}

const (
	defaultStopTimeout = 10 // seconds, the daemon default
	settleDelay        = 100 * time.Millisecond
	stopRetryDelay     = 200 * time.Millisecond
)

type Option func(*Adapter)

// WithDialer replaces the function used to open API clients.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// WithRunID labels every created resource with the given run id.
func WithRunID(id string) Option {
	return func(a *Adapter) { a.runID = id }
}

// WithStopTimeout sets the grace period passed to container stop.
func WithStopTimeout(seconds int) Option {
	return func(a *Adapter) { a.stopTimeout = seconds }
}

// Adapter implements engine.Adapter for the client style.
type Adapter struct {
	logger      *slog.Logger
	dial        Dialer
	runID       string
	stopTimeout int
}

var _ engine.Adapter = (*Adapter)(nil)

func New(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger:      logger,
		dial:        Dial,
		stopTimeout: defaultStopTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type conn struct {
	api    API
	target string
	closed atomic.Bool
}

// Connect opens a client for target and verifies the daemon answers.
func (a *Adapter) Connect(ctx context.Context, target string) (*engine.Handle, error) {
	api, err := a.dial(target)
	if err != nil {
		return nil, &engine.ConnectionError{Target: target, Err: err}
	}
	if _, err := api.Ping(ctx); err != nil {
		api.Close()
		return nil, &engine.ConnectionError{Target: target, Err: fmt.Errorf("ping: %w", err)}
	}

	h := engine.NewHandle("", target, engine.StyleClient, &conn{api: api, target: target})
	if v, err := api.ServerVersion(ctx); err == nil {
		h.Version = v.Version
		h.Runtime = v.Platform.Name
	} else {
		a.logger.Debug("server version unavailable", "target", target, "error", err)
	}
	return h, nil
}

func (a *Adapter) Close(h *engine.Handle) error {
	c, err := connOf(h)
	if err != nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	return c.api.Close()
}

func connOf(h *engine.Handle) (*conn, error) {
	if h == nil {
		return nil, engine.ErrClosed
	}
	c, ok := h.Conn().(*conn)
	if !ok || c.closed.Load() {
		return nil, engine.ErrClosed
	}
	return c, nil
}

// Invoke performs one operation. Only the call named by the operation is
// timed; containers it needs are prepared beforehand without timing.
func (a *Adapter) Invoke(ctx context.Context, h *engine.Handle, spec operation.Spec, args operation.Args) engine.Outcome {
	c, err := connOf(h)
	if err != nil {
		return engine.Failed(spec.Name, spec.Name, 0, engine.Residue{}, err)
	}
	inv := &invocation{a: a, c: c, h: h, op: spec.Name, args: args}

	switch spec.Name {
	case operation.PullImage:
		return inv.pullImage(ctx)
	case operation.ListImages:
		return inv.listImages(ctx)
	case operation.InspectImage:
		return inv.inspectImage(ctx)
	case operation.CreateContainer:
		return inv.createContainer(ctx)
	case operation.StartContainer:
		return inv.startContainer(ctx)
	case operation.StopContainer:
		return inv.stopContainer(ctx)
	case operation.RemoveContainer:
		return inv.removeContainer(ctx)
	case operation.CreateStartContainer, operation.ConcurrentCreateStart:
		return inv.createStart(ctx)
	case operation.ListContainers:
		return inv.listContainers(ctx)
	case operation.ContainerStats:
		return inv.containerStats(ctx)
	case operation.ExecCommand:
		return inv.execCommand(ctx)
	case operation.NetworkSetup:
		return inv.networkSetup(ctx)
	case operation.StorageWrite:
		return inv.storageWrite(ctx)
	case operation.VolumeCreate:
		return inv.volumeCreate(ctx)
	}
	return engine.Failed(spec.Name, "unsupported", 0, engine.Residue{}, fmt.Errorf("%w: %s", engine.ErrUnsupported, spec.Name))
}

// Cleanup removes residue in dependency order: containers before the
// networks and volumes they use, images last.
func (a *Adapter) Cleanup(ctx context.Context, h *engine.Handle, _ operation.Spec, residue engine.Residue) error {
	c, err := connOf(h)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range residue.Containers {
		err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("container remove %s: %w", short(id), err))
		}
	}
	for _, id := range residue.Networks {
		if err := c.api.NetworkRemove(ctx, id); err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("network remove %s: %w", short(id), err))
		}
	}
	for _, name := range residue.Volumes {
		if err := c.api.VolumeRemove(ctx, name, true); err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("volume remove %s: %w", name, err))
		}
	}
	for _, ref := range residue.Images {
		_, err := c.api.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("image remove %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

// Leftovers lists resources carrying the managed label, regardless of run.
func (a *Adapter) Leftovers(ctx context.Context, h *engine.Handle) (engine.Residue, error) {
	c, err := connOf(h)
	if err != nil {
		return engine.Residue{}, err
	}
	f := filters.NewArgs(filters.Arg("label", engine.LabelManaged+"=true"))

	var res engine.Residue
	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return res, fmt.Errorf("container list: %w", err)
	}
	for _, ctr := range containers {
		res.Containers = append(res.Containers, ctr.ID)
	}

	networks, err := c.api.NetworkList(ctx, networkListOptions(f))
	if err != nil {
		return res, fmt.Errorf("network list: %w", err)
	}
	for _, n := range networks {
		res.Networks = append(res.Networks, n.ID)
	}

	vols, err := c.api.VolumeList(ctx, volumeListOptions(f))
	if err != nil {
		return res, fmt.Errorf("volume list: %w", err)
	}
	for _, v := range vols.Volumes {
		res.Volumes = append(res.Volumes, v.Name)
	}
	return res, nil
}

func (a *Adapter) labels() map[string]string {
	l := map[string]string{engine.LabelManaged: "true"}
	if a.runID != "" {
		l[engine.LabelRun] = a.runID
	}
	return l
}

// connErr promotes transport failures to ConnectionError so the runner
// aborts the engine instead of counting ordinary failures.
func (inv *invocation) connErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return &engine.ConnectionError{Engine: inv.h.Name, Target: inv.c.target, Err: err}
	}
	return err
}

func uniqueName(kind string) string {
	return engine.NamePrefix + kind + "-" + uuid.NewString()[:8]
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Package cri drives container engines through the Kubernetes Container
// Runtime Interface over gRPC.
package cri

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

const (
	defaultProbeTimeout = 10 * time.Second
	defaultLogRoot      = "/tmp/enginebench/pods"
	settleDelay         = 100 * time.Millisecond
	retryDelay          = 200 * time.Millisecond
)

var keepAlive = []string{"sh", "-c", "tail -f /dev/null"}

type Option func(*Adapter)

// WithDialOptions appends gRPC dial options, replacing nothing.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(a *Adapter) { a.dialOpts = append(a.dialOpts, opts...) }
}

// WithImageEndpoint serves the image service from a separate endpoint.
func WithImageEndpoint(target string) Option {
	return func(a *Adapter) { a.imageEndpoint = target }
}

func WithRunID(id string) Option {
	return func(a *Adapter) { a.runID = id }
}

// WithLogRoot sets the host directory under which pod log dirs are made.
func WithLogRoot(dir string) Option {
	return func(a *Adapter) { a.logRoot = dir }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.probeTimeout = d }
}

// Adapter implements engine.Adapter for the cri style.
type Adapter struct {
	logger        *slog.Logger
	dialOpts      []grpc.DialOption
	imageEndpoint string
	runID         string
	logRoot       string
	probeTimeout  time.Duration

	// podLogs maps a pod id to the log directory created for it.
	podLogs sync.Map
}

var _ engine.Adapter = (*Adapter)(nil)

func New(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger:       logger,
		dialOpts:     []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		logRoot:      defaultLogRoot,
		probeTimeout: defaultProbeTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type conn struct {
	target  string
	runtime runtimeapi.RuntimeServiceClient
	images  runtimeapi.ImageServiceClient
	closers []*grpc.ClientConn
	closed  atomic.Bool
}

// Connect dials target and probes it with a Version call, which also
// fails fast when the socket is missing.
func (a *Adapter) Connect(ctx context.Context, target string) (*engine.Handle, error) {
	cc, err := grpc.NewClient(target, a.dialOpts...)
	if err != nil {
		return nil, &engine.ConnectionError{Target: target, Err: err}
	}
	c := &conn{
		target:  target,
		runtime: runtimeapi.NewRuntimeServiceClient(cc),
		images:  runtimeapi.NewImageServiceClient(cc),
		closers: []*grpc.ClientConn{cc},
	}
	if a.imageEndpoint != "" && a.imageEndpoint != target {
		icc, err := grpc.NewClient(a.imageEndpoint, a.dialOpts...)
		if err != nil {
			cc.Close()
			return nil, &engine.ConnectionError{Target: a.imageEndpoint, Err: err}
		}
		c.images = runtimeapi.NewImageServiceClient(icc)
		c.closers = append(c.closers, icc)
	}

	pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	v, err := c.runtime.Version(pctx, &runtimeapi.VersionRequest{})
	if err != nil {
		c.close()
		return nil, &engine.ConnectionError{Target: target, Err: fmt.Errorf("version: %w", err)}
	}

	h := engine.NewHandle("", target, engine.StyleCRI, c)
	h.Version = v.GetRuntimeVersion()
	h.Runtime = v.GetRuntimeName()
	a.logger.Debug("cri connected", "target", target, "runtime", h.Runtime, "api", v.GetRuntimeApiVersion())
	return h, nil
}

func (c *conn) close() error {
	var errs []error
	for _, cc := range c.closers {
		errs = append(errs, cc.Close())
	}
	return errors.Join(errs...)
}

func (a *Adapter) Close(h *engine.Handle) error {
	c, err := connOf(h)
	if err != nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	return c.close()
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

// Invoke performs one operation. Pods and containers an operation depends
// on are created first and are not part of the measured duration.
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
		return inv.imageStatus(ctx)
	case operation.RunPodSandbox:
		return inv.runPodSandbox(ctx)
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
	}
	return engine.Failed(spec.Name, "unsupported", 0, engine.Residue{}, fmt.Errorf("%w: %s", engine.ErrUnsupported, spec.Name))
}

// Cleanup removes containers, then their pods and log directories, then
// images.
func (a *Adapter) Cleanup(ctx context.Context, h *engine.Handle, _ operation.Spec, residue engine.Residue) error {
	c, err := connOf(h)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range residue.Containers {
		if _, err := c.runtime.StopContainer(ctx, &runtimeapi.StopContainerRequest{ContainerId: id}); err != nil && !notFound(err) {
			a.logger.Debug("cleanup stop container", "container", id, "error", err)
		}
		if _, err := c.runtime.RemoveContainer(ctx, &runtimeapi.RemoveContainerRequest{ContainerId: id}); err != nil && !notFound(err) {
			errs = append(errs, fmt.Errorf("remove container %s: %w", short(id), err))
		}
	}
	for _, id := range residue.Pods {
		if _, err := c.runtime.StopPodSandbox(ctx, &runtimeapi.StopPodSandboxRequest{PodSandboxId: id}); err != nil && !notFound(err) {
			a.logger.Debug("cleanup stop pod", "pod", id, "error", err)
		}
		if _, err := c.runtime.RemovePodSandbox(ctx, &runtimeapi.RemovePodSandboxRequest{PodSandboxId: id}); err != nil && !notFound(err) {
			errs = append(errs, fmt.Errorf("remove pod %s: %w", short(id), err))
			continue
		}
		a.removePodLogs(id)
	}
	for _, ref := range residue.Images {
		if _, err := c.images.RemoveImage(ctx, &runtimeapi.RemoveImageRequest{Image: &runtimeapi.ImageSpec{Image: ref}}); err != nil && !notFound(err) {
			errs = append(errs, fmt.Errorf("remove image %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

// Leftovers lists managed pods and containers still known to the runtime.
func (a *Adapter) Leftovers(ctx context.Context, h *engine.Handle) (engine.Residue, error) {
	c, err := connOf(h)
	if err != nil {
		return engine.Residue{}, err
	}
	selector := map[string]string{engine.LabelManaged: "true"}

	var res engine.Residue
	ctrs, err := c.runtime.ListContainers(ctx, &runtimeapi.ListContainersRequest{
		Filter: &runtimeapi.ContainerFilter{LabelSelector: selector},
	})
	if err != nil {
		return res, fmt.Errorf("list containers: %w", err)
	}
	for _, ctr := range ctrs.GetContainers() {
		res.Containers = append(res.Containers, ctr.GetId())
	}

	pods, err := c.runtime.ListPodSandbox(ctx, &runtimeapi.ListPodSandboxRequest{
		Filter: &runtimeapi.PodSandboxFilter{LabelSelector: selector},
	})
	if err != nil {
		return res, fmt.Errorf("list pods: %w", err)
	}
	for _, p := range pods.GetItems() {
		res.Pods = append(res.Pods, p.GetId())
	}
	return res, nil
}

func (a *Adapter) removePodLogs(id string) {
	dir, ok := a.podLogs.LoadAndDelete(id)
	if !ok {
		return
	}
	if err := os.RemoveAll(dir.(string)); err != nil {
		a.logger.Debug("remove pod log dir", "dir", dir, "error", err)
	}
}

func (a *Adapter) labels() map[string]string {
	l := map[string]string{engine.LabelManaged: "true"}
	if a.runID != "" {
		l[engine.LabelRun] = a.runID
	}
	return l
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

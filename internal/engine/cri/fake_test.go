package cri

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// fakeRuntime is an in-memory CRI runtime service.
type fakeRuntime struct {
	runtimeapi.UnimplementedRuntimeServiceServer

	mu         sync.Mutex
	seq        int
	pods       map[string]*runtimeapi.PodSandboxConfig
	containers map[string]string // id -> pod
	running    map[string]bool
	images     map[string]bool
	calls      []string
	stopFails  int
	startErr   error
	runPodErr  error
	exitCode   int32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		pods:       make(map[string]*runtimeapi.PodSandboxConfig),
		containers: make(map[string]string),
		running:    make(map[string]bool),
		images:     map[string]bool{"busybox:latest": true},
	}
}

func (f *fakeRuntime) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeRuntime) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func (f *fakeRuntime) Version(context.Context, *runtimeapi.VersionRequest) (*runtimeapi.VersionResponse, error) {
	return &runtimeapi.VersionResponse{Version: "0.1.0", RuntimeName: "fake", RuntimeVersion: "1.2.3", RuntimeApiVersion: "v1"}, nil
}

func (f *fakeRuntime) RunPodSandbox(_ context.Context, req *runtimeapi.RunPodSandboxRequest) (*runtimeapi.RunPodSandboxResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RunPodSandbox")
	if f.runPodErr != nil {
		return nil, f.runPodErr
	}
	if req.GetConfig().GetMetadata().GetUid() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty uid")
	}
	id := f.next("pod")
	f.pods[id] = req.GetConfig()
	return &runtimeapi.RunPodSandboxResponse{PodSandboxId: id}, nil
}

func (f *fakeRuntime) StopPodSandbox(_ context.Context, req *runtimeapi.StopPodSandboxRequest) (*runtimeapi.StopPodSandboxResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopPodSandbox")
	return &runtimeapi.StopPodSandboxResponse{}, nil
}

func (f *fakeRuntime) RemovePodSandbox(_ context.Context, req *runtimeapi.RemovePodSandboxRequest) (*runtimeapi.RemovePodSandboxResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemovePodSandbox")
	if _, ok := f.pods[req.GetPodSandboxId()]; !ok {
		return nil, status.Error(codes.NotFound, "no such pod")
	}
	for _, pod := range f.containers {
		if pod == req.GetPodSandboxId() {
			return nil, status.Error(codes.FailedPrecondition, "pod has containers")
		}
	}
	delete(f.pods, req.GetPodSandboxId())
	return &runtimeapi.RemovePodSandboxResponse{}, nil
}

func (f *fakeRuntime) ListPodSandbox(context.Context, *runtimeapi.ListPodSandboxRequest) (*runtimeapi.ListPodSandboxResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []*runtimeapi.PodSandbox
	for id := range f.pods {
		items = append(items, &runtimeapi.PodSandbox{Id: id})
	}
	return &runtimeapi.ListPodSandboxResponse{Items: items}, nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, req *runtimeapi.CreateContainerRequest) (*runtimeapi.CreateContainerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateContainer")
	if _, ok := f.pods[req.GetPodSandboxId()]; !ok {
		return nil, status.Error(codes.NotFound, "no such pod")
	}
	if req.GetConfig().GetLogPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty log path")
	}
	id := f.next("ctr")
	f.containers[id] = req.GetPodSandboxId()
	return &runtimeapi.CreateContainerResponse{ContainerId: id}, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, req *runtimeapi.StartContainerRequest) (*runtimeapi.StartContainerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartContainer")
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.running[req.GetContainerId()] = true
	return &runtimeapi.StartContainerResponse{}, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, req *runtimeapi.StopContainerRequest) (*runtimeapi.StopContainerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopContainer")
	if f.stopFails > 0 {
		f.stopFails--
		return nil, status.Error(codes.Unknown, "container is in transition")
	}
	if _, ok := f.containers[req.GetContainerId()]; !ok {
		return nil, status.Error(codes.NotFound, "no such container")
	}
	f.running[req.GetContainerId()] = false
	return &runtimeapi.StopContainerResponse{}, nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, req *runtimeapi.RemoveContainerRequest) (*runtimeapi.RemoveContainerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveContainer")
	if _, ok := f.containers[req.GetContainerId()]; !ok {
		return nil, status.Error(codes.NotFound, "no such container")
	}
	delete(f.containers, req.GetContainerId())
	delete(f.running, req.GetContainerId())
	return &runtimeapi.RemoveContainerResponse{}, nil
}

func (f *fakeRuntime) ListContainers(context.Context, *runtimeapi.ListContainersRequest) (*runtimeapi.ListContainersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*runtimeapi.Container
	for id := range f.containers {
		out = append(out, &runtimeapi.Container{Id: id})
	}
	return &runtimeapi.ListContainersResponse{Containers: out}, nil
}

func (f *fakeRuntime) ContainerStats(_ context.Context, req *runtimeapi.ContainerStatsRequest) (*runtimeapi.ContainerStatsResponse, error) {
	return &runtimeapi.ContainerStatsResponse{Stats: &runtimeapi.ContainerStats{
		Memory: &runtimeapi.MemoryUsage{WorkingSetBytes: &runtimeapi.UInt64Value{Value: 2 << 20}},
	}}, nil
}

func (f *fakeRuntime) ExecSync(_ context.Context, req *runtimeapi.ExecSyncRequest) (*runtimeapi.ExecSyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ExecSync")
	if !f.running[req.GetContainerId()] {
		return nil, status.Error(codes.FailedPrecondition, "container not running")
	}
	return &runtimeapi.ExecSyncResponse{Stdout: []byte("hello\n"), ExitCode: f.exitCode}, nil
}

// fakeImages serves the image service from the runtime's state.
type fakeImages struct {
	runtimeapi.UnimplementedImageServiceServer
	f *fakeRuntime
}

func (i *fakeImages) PullImage(_ context.Context, req *runtimeapi.PullImageRequest) (*runtimeapi.PullImageResponse, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	i.f.images[req.GetImage().GetImage()] = true
	return &runtimeapi.PullImageResponse{ImageRef: "sha256:abc"}, nil
}

func (i *fakeImages) ListImages(context.Context, *runtimeapi.ListImagesRequest) (*runtimeapi.ListImagesResponse, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	var out []*runtimeapi.Image
	for ref := range i.f.images {
		out = append(out, &runtimeapi.Image{Id: ref})
	}
	return &runtimeapi.ListImagesResponse{Images: out}, nil
}

func (i *fakeImages) ImageStatus(_ context.Context, req *runtimeapi.ImageStatusRequest) (*runtimeapi.ImageStatusResponse, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	if !i.f.images[req.GetImage().GetImage()] {
		return &runtimeapi.ImageStatusResponse{}, nil
	}
	return &runtimeapi.ImageStatusResponse{Image: &runtimeapi.Image{Id: "sha256:abc"}}, nil
}

func (i *fakeImages) RemoveImage(_ context.Context, req *runtimeapi.RemoveImageRequest) (*runtimeapi.RemoveImageResponse, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	delete(i.f.images, req.GetImage().GetImage())
	return &runtimeapi.RemoveImageResponse{}, nil
}

// serve starts fake on an in-memory listener and returns dial options
// that reach it.
func serve(t *testing.T, fake *fakeRuntime) []grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	runtimeapi.RegisterRuntimeServiceServer(srv, fake)
	runtimeapi.RegisterImageServiceServer(srv, &fakeImages{f: fake})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

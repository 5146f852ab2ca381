package docker

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/mock"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) Ping(ctx context.Context) (types.Ping, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Ping), args.Error(1)
}

func (m *MockAPI) ServerVersion(ctx context.Context) (types.Version, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Version), args.Error(1)
}

func (m *MockAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, ref, options)
	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]image.Summary), args.Error(1)
}

func (m *MockAPI) ImageInspect(ctx context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(image.InspectResponse), args.Error(1)
}

func (m *MockAPI) ImageRemove(ctx context.Context, ref string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	args := m.Called(ctx, ref, options)
	return nil, args.Error(0)
}

func (m *MockAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, name)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *MockAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	return m.Called(ctx, id, options).Error(0)
}

func (m *MockAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	return m.Called(ctx, id, options).Error(0)
}

func (m *MockAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]container.Summary), args.Error(1)
}

func (m *MockAPI) ContainerStatsOneShot(ctx context.Context, id string) (container.StatsResponseReader, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(container.StatsResponseReader), args.Error(1)
}

func (m *MockAPI) ContainerExecCreate(ctx context.Context, id string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	args := m.Called(ctx, id, options)
	return args.Get(0).(container.ExecCreateResponse), args.Error(1)
}

func (m *MockAPI) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	args := m.Called(ctx, execID)
	return args.Get(0).(types.HijackedResponse), args.Error(1)
}

func (m *MockAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	args := m.Called(ctx, execID)
	return args.Get(0).(container.ExecInspect), args.Error(1)
}

func (m *MockAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	args := m.Called(ctx, name, options)
	return args.Get(0).(network.CreateResponse), args.Error(1)
}

func (m *MockAPI) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]network.Summary), args.Error(1)
}

func (m *MockAPI) NetworkRemove(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	args := m.Called(ctx, options)
	return args.Get(0).(volume.Volume), args.Error(1)
}

func (m *MockAPI) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	args := m.Called(ctx, options)
	return args.Get(0).(volume.ListResponse), args.Error(1)
}

func (m *MockAPI) VolumeRemove(ctx context.Context, id string, force bool) error {
	return m.Called(ctx, id, force).Error(0)
}

func (m *MockAPI) Close() error {
	return m.Called().Error(0)
}

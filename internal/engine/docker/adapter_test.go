package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connected(t *testing.T, api *MockAPI) (*Adapter, *engine.Handle) {
	t.Helper()
	api.On("Ping", mock.Anything).Return(types.Ping{APIVersion: "1.47"}, nil)
	api.On("ServerVersion", mock.Anything).Return(types.Version{Version: "28.5.2"}, nil)

	a := New(testLogger(), WithRunID("run-1"), WithDialer(func(string) (API, error) { return api, nil }))
	h, err := a.Connect(context.Background(), "unix:///var/run/docker.sock")
	require.NoError(t, err)
	return a, h
}

func spec(t *testing.T, name string) operation.Spec {
	t.Helper()
	for _, s := range operation.Builtin() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no operation %s", name)
	return operation.Spec{}
}

func args() operation.Args {
	return operation.DefaultArgs()
}

func expectCreate(api *MockAPI, id string) *mock.Call {
	return api.On("ContainerCreate", mock.Anything, mock.MatchedBy(func(c *container.Config) bool {
		return c.Labels[engine.LabelManaged] == "true" && c.Labels[engine.LabelRun] == "run-1"
	}), mock.Anything, mock.MatchedBy(func(name string) bool {
		return strings.HasPrefix(name, engine.NamePrefix)
	})).Return(container.CreateResponse{ID: id}, nil)
}

// hijacked returns an attach response carrying a multiplexed stdout frame.
func hijacked(t *testing.T, stdout string) types.HijackedResponse {
	t.Helper()
	var buf bytes.Buffer
	if stdout != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
		require.NoError(t, err)
	}
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c2.Close() })
	return types.HijackedResponse{Conn: c1, Reader: bufio.NewReader(&buf)}
}

func TestConnect(t *testing.T) {
	api := &MockAPI{}
	_, h := connected(t, api)

	assert.Equal(t, engine.StyleClient, h.Style)
	assert.Equal(t, "28.5.2", h.Version)
	assert.Equal(t, "unix:///var/run/docker.sock", h.Target)
}

func TestConnectPingFailure(t *testing.T) {
	api := &MockAPI{}
	api.On("Ping", mock.Anything).Return(types.Ping{}, errors.New("connection refused"))
	api.On("Close").Return(nil)

	a := New(testLogger(), WithDialer(func(string) (API, error) { return api, nil }))
	_, err := a.Connect(context.Background(), "unix:///nope.sock")

	require.Error(t, err)
	assert.True(t, engine.IsConnectionError(err))
	api.AssertCalled(t, "Close")
}

func TestConnectDialFailure(t *testing.T) {
	a := New(testLogger(), WithDialer(func(string) (API, error) { return nil, errors.New("bad host") }))
	_, err := a.Connect(context.Background(), "tcp://")
	assert.True(t, engine.IsConnectionError(err))
}

func TestInvokeAfterClose(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	api.On("Close").Return(nil).Once()

	require.NoError(t, a.Close(h))
	require.NoError(t, a.Close(h))

	out := a.Invoke(context.Background(), h, spec(t, operation.ListImages), args())
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, engine.ErrClosed)
	api.AssertNumberOfCalls(t, "Close", 1)
}

func TestCreateContainerRecordsResidue(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")

	out := a.Invoke(context.Background(), h, spec(t, operation.CreateContainer), args())

	require.True(t, out.Success, "%v", out.Err)
	assert.Equal(t, []string{"c1"}, out.Residue.Containers)
	api.AssertNotCalled(t, "ContainerStart", mock.Anything, mock.Anything)
}

func TestStartFailureKeepsResidueAndStage(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")
	api.On("ContainerStart", mock.Anything, "c1").Return(errors.New("oci runtime error"))

	out := a.Invoke(context.Background(), h, spec(t, operation.CreateStartContainer), args())

	assert.False(t, out.Success)
	assert.Equal(t, "container_start", engine.StageOf(out.Err))
	assert.Equal(t, []string{"c1"}, out.Residue.Containers)
	assert.False(t, engine.IsConnectionError(out.Err))
}

func TestStopRetriesOnce(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")
	api.On("ContainerStart", mock.Anything, "c1").Return(nil)
	api.On("ContainerStop", mock.Anything, "c1", mock.Anything).Return(errors.New("busy")).Once()
	api.On("ContainerStop", mock.Anything, "c1", mock.Anything).Return(nil).Once()

	out := a.Invoke(context.Background(), h, spec(t, operation.StopContainer), args())

	require.True(t, out.Success, "%v", out.Err)
	api.AssertNumberOfCalls(t, "ContainerStop", 2)
}

func TestRemoveContainerLeavesNoResidue(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")
	api.On("ContainerRemove", mock.Anything, "c1", container.RemoveOptions{}).Return(nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.RemoveContainer), args())

	require.True(t, out.Success)
	assert.True(t, out.Residue.Empty())
}

func TestPullImageInBandError(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	body := `{"status":"Pulling"}` + "\n" + `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}`
	api.On("ImagePull", mock.Anything, "busybox:latest", mock.Anything).
		Return(io.NopCloser(strings.NewReader(body)), nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.PullImage), args())

	assert.False(t, out.Success)
	assert.Contains(t, out.Err.Error(), "manifest unknown")
}

func TestPullImageResidueUnlessKept(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	api.On("ImagePull", mock.Anything, "busybox:latest", mock.Anything).
		Return(io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.PullImage), args())
	require.True(t, out.Success)
	assert.Empty(t, out.Residue.Images)

	out = a.Invoke(context.Background(), h, spec(t, operation.PullImage), args().Merge(operation.Args{operation.ArgKeep: "false"}))
	require.True(t, out.Success)
	assert.Equal(t, []string{"busybox:latest"}, out.Residue.Images)
}

func TestExecCommand(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")
	api.On("ContainerStart", mock.Anything, "c1").Return(nil)
	api.On("ContainerExecCreate", mock.Anything, "c1", mock.MatchedBy(func(o container.ExecOptions) bool {
		return assert.ObjectsAreEqual([]string{"echo", "hello"}, o.Cmd)
	})).Return(container.ExecCreateResponse{ID: "e1"}, nil)
	api.On("ContainerExecAttach", mock.Anything, "e1").Return(hijacked(t, "hello\n"), nil)
	api.On("ContainerExecInspect", mock.Anything, "e1").Return(container.ExecInspect{ExitCode: 0}, nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.ExecCommand), args())

	require.True(t, out.Success, "%v", out.Err)
	assert.Equal(t, 6, out.Payload["output_bytes"])
}

func TestExecNonZeroExitFails(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")
	api.On("ContainerStart", mock.Anything, "c1").Return(nil)
	api.On("ContainerExecCreate", mock.Anything, "c1", mock.Anything).Return(container.ExecCreateResponse{ID: "e1"}, nil)
	api.On("ContainerExecAttach", mock.Anything, "e1").Return(hijacked(t, ""), nil)
	api.On("ContainerExecInspect", mock.Anything, "e1").Return(container.ExecInspect{ExitCode: 127}, nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.ExecCommand), args())

	assert.False(t, out.Success)
	assert.Equal(t, "exec", engine.StageOf(out.Err))
	assert.Contains(t, out.Err.Error(), "exit code 127")
}

func TestContainerStatsPayload(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	expectCreate(api, "c1")
	api.On("ContainerStart", mock.Anything, "c1").Return(nil)
	api.On("ContainerStatsOneShot", mock.Anything, "c1").Return(container.StatsResponseReader{
		Body: io.NopCloser(strings.NewReader(`{"memory_stats":{"usage":1048576},"pids_stats":{"current":2}}`)),
	}, nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.ContainerStats), args())

	require.True(t, out.Success, "%v", out.Err)
	assert.Equal(t, "1MiB", out.Payload["memory"])
	assert.Equal(t, uint64(2), out.Payload["pids"])
}

func TestNetworkSetupResidue(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	api.On("NetworkCreate", mock.Anything, mock.Anything, mock.Anything).Return(network.CreateResponse{ID: "n1"}, nil)
	expectCreate(api, "c1")
	api.On("ContainerStart", mock.Anything, "c1").Return(nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.NetworkSetup), args())

	require.True(t, out.Success, "%v", out.Err)
	assert.Equal(t, []string{"n1"}, out.Residue.Networks)
	assert.Equal(t, []string{"c1"}, out.Residue.Containers)
}

func TestStorageWriteCommand(t *testing.T) {
	assert.Equal(t, int64(16), blocks(16<<20))
	assert.Equal(t, int64(1), blocks(10))
	assert.Contains(t, ddCommand(3<<20), "count=3")
}

func TestVolumeCreate(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	api.On("VolumeCreate", mock.Anything, mock.Anything).Return(volume.Volume{Name: "v1"}, nil)

	out := a.Invoke(context.Background(), h, spec(t, operation.VolumeCreate), args())

	require.True(t, out.Success)
	assert.Equal(t, []string{"v1"}, out.Residue.Volumes)
}

func TestUnsupportedOperation(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)

	out := a.Invoke(context.Background(), h, spec(t, operation.RunPodSandbox), args())
	assert.ErrorIs(t, out.Err, engine.ErrUnsupported)
	assert.Equal(t, "unsupported", engine.StageOf(out.Err))
}

func TestCleanupIgnoresNotFound(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	gone := fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	api.On("ContainerRemove", mock.Anything, "c1", mock.Anything).Return(gone)
	api.On("ContainerRemove", mock.Anything, "c2", mock.Anything).Return(nil)
	api.On("NetworkRemove", mock.Anything, "n1").Return(errors.New("in use"))
	api.On("VolumeRemove", mock.Anything, "v1", true).Return(nil)

	err := a.Cleanup(context.Background(), h, spec(t, operation.NetworkSetup), engine.Residue{
		Containers: []string{"c1", "c2"},
		Networks:   []string{"n1"},
		Volumes:    []string{"v1"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "network remove n1")
	assert.NotContains(t, err.Error(), "c1")
	api.AssertExpectations(t)
}

func TestLeftovers(t *testing.T) {
	api := &MockAPI{}
	a, h := connected(t, api)
	api.On("ContainerList", mock.Anything, mock.MatchedBy(func(o container.ListOptions) bool {
		return o.All && o.Filters.ExactMatch("label", engine.LabelManaged+"=true")
	})).Return([]container.Summary{{ID: "c1"}}, nil)
	api.On("NetworkList", mock.Anything, mock.Anything).Return([]network.Summary{{ID: "n1"}}, nil)
	api.On("VolumeList", mock.Anything, mock.Anything).Return(volume.ListResponse{Volumes: []*volume.Volume{{Name: "v1"}}}, nil)

	res, err := a.Leftovers(context.Background(), h)

	require.NoError(t, err)
	assert.Equal(t, engine.Residue{Containers: []string{"c1"}, Networks: []string{"n1"}, Volumes: []string{"v1"}}, res)
}

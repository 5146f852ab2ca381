package cri

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

type invocation struct {
	a    *Adapter
	c    *conn
	h    *engine.Handle
	op   string
	args operation.Args
	res  engine.Residue

	sandbox *runtimeapi.PodSandboxConfig
}

func (inv *invocation) fail(stage string, d time.Duration, err error) engine.Outcome {
	return engine.Failed(inv.op, stage, d, inv.res, inv.connErr(err))
}

func (inv *invocation) ok(d time.Duration, payload map[string]any) engine.Outcome {
	return engine.Succeeded(d, inv.res, payload)
}

// connErr promotes an unreachable runtime to ConnectionError.
func (inv *invocation) connErr(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unavailable {
		return &engine.ConnectionError{Engine: inv.h.Name, Target: inv.c.target, Err: err}
	}
	return err
}

func (inv *invocation) image() *runtimeapi.ImageSpec {
	return &runtimeapi.ImageSpec{Image: inv.args.Image()}
}

func (inv *invocation) pullImage(ctx context.Context) engine.Outcome {
	var ref string
	d, err := engine.Time(func() error {
		resp, err := inv.c.images.PullImage(ctx, &runtimeapi.PullImageRequest{Image: inv.image()})
		ref = resp.GetImageRef()
		return err
	})
	if err != nil {
		return inv.fail("image_pull", d, err)
	}
	if !inv.args.Bool(operation.ArgKeep) {
		inv.res.Images = append(inv.res.Images, inv.args.Image())
	}
	return inv.ok(d, map[string]any{"image": inv.args.Image(), "ref": ref})
}

func (inv *invocation) listImages(ctx context.Context) engine.Outcome {
	var n int
	d, err := engine.Time(func() error {
		resp, err := inv.c.images.ListImages(ctx, &runtimeapi.ListImagesRequest{})
		n = len(resp.GetImages())
		return err
	})
	if err != nil {
		return inv.fail("image_list", d, err)
	}
	return inv.ok(d, map[string]any{"count": n})
}

func (inv *invocation) imageStatus(ctx context.Context) engine.Outcome {
	var img *runtimeapi.Image
	d, err := engine.Time(func() error {
		resp, err := inv.c.images.ImageStatus(ctx, &runtimeapi.ImageStatusRequest{Image: inv.image()})
		img = resp.GetImage()
		return err
	})
	if err != nil {
		return inv.fail("image_status", d, err)
	}
	if img == nil {
		return inv.fail("image_status", d, fmt.Errorf("image %s not present", inv.args.Image()))
	}
	return inv.ok(d, map[string]any{"image": inv.args.Image(), "id": short(img.GetId())})
}

// podConfig builds a sandbox config with a unique uid and a dedicated log
// directory; some runtimes misbehave when either is empty or shared.
func (inv *invocation) podConfig(hostNetwork bool) *runtimeapi.PodSandboxConfig {
	uid := strings.ReplaceAll(uuid.NewString(), "-", "")
	logDir := filepath.Join(inv.a.logRoot, uid)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		inv.a.logger.Debug("create pod log dir", "dir", logDir, "error", err)
	}

	linux := &runtimeapi.LinuxPodSandboxConfig{}
	if hostNetwork {
		linux.SecurityContext = &runtimeapi.LinuxSandboxSecurityContext{
			NamespaceOptions: &runtimeapi.NamespaceOption{Network: runtimeapi.NamespaceMode_NODE},
		}
	}
	return &runtimeapi.PodSandboxConfig{
		Metadata: &runtimeapi.PodSandboxMetadata{
			Name:      engine.NamePrefix + "pod-" + uid[:8],
			Uid:       uid,
			Namespace: "default",
			Attempt:   1,
		},
		LogDirectory: logDir,
		Labels:       inv.a.labels(),
		Linux:        linux,
	}
}

func (inv *invocation) runPod(ctx context.Context, hostNetwork bool) (string, error) {
	cfg := inv.podConfig(hostNetwork)
	resp, err := inv.c.runtime.RunPodSandbox(ctx, &runtimeapi.RunPodSandboxRequest{Config: cfg})
	if err != nil {
		_ = os.RemoveAll(cfg.GetLogDirectory())
		return "", err
	}
	inv.a.podLogs.Store(resp.GetPodSandboxId(), cfg.GetLogDirectory())
	inv.sandbox = cfg
	inv.res.Pods = append(inv.res.Pods, resp.GetPodSandboxId())
	return resp.GetPodSandboxId(), nil
}

func (inv *invocation) createIn(ctx context.Context, pod string) (string, error) {
	name := engine.NamePrefix + "ctr-" + uuid.NewString()[:8]
	resp, err := inv.c.runtime.CreateContainer(ctx, &runtimeapi.CreateContainerRequest{
		PodSandboxId: pod,
		Config: &runtimeapi.ContainerConfig{
			Metadata: &runtimeapi.ContainerMetadata{Name: name},
			Image:    inv.image(),
			Command:  keepAlive,
			LogPath:  name + ".log",
			Labels:   inv.a.labels(),
			Linux:    &runtimeapi.LinuxContainerConfig{},
		},
		SandboxConfig: inv.sandbox,
	})
	if err != nil {
		return "", err
	}
	inv.res.Containers = append(inv.res.Containers, resp.GetContainerId())
	return resp.GetContainerId(), nil
}

func (inv *invocation) start(ctx context.Context, id string) error {
	_, err := inv.c.runtime.StartContainer(ctx, &runtimeapi.StartContainerRequest{ContainerId: id})
	return err
}

// created prepares a pod and a container in it, untimed.
func (inv *invocation) created(ctx context.Context) (string, string, error) {
	pod, err := inv.runPod(ctx, inv.args.Bool(operation.ArgNetwork))
	if err != nil {
		return "", "run_pod_sandbox", err
	}
	id, err := inv.createIn(ctx, pod)
	if err != nil {
		return "", "create_container", err
	}
	return id, "", nil
}

func (inv *invocation) running(ctx context.Context) (string, string, error) {
	id, stage, err := inv.created(ctx)
	if err != nil {
		return "", stage, err
	}
	if err := inv.start(ctx, id); err != nil {
		return id, "start_container", err
	}
	return id, "", nil
}

func (inv *invocation) runPodSandbox(ctx context.Context) engine.Outcome {
	var pod string
	d, err := engine.Time(func() (err error) {
		pod, err = inv.runPod(ctx, inv.args.Bool(operation.ArgNetwork))
		return err
	})
	if err != nil {
		return inv.fail("run_pod_sandbox", d, err)
	}
	return inv.ok(d, map[string]any{"pod": short(pod)})
}

func (inv *invocation) createContainer(ctx context.Context) engine.Outcome {
	pod, err := inv.runPod(ctx, inv.args.Bool(operation.ArgNetwork))
	if err != nil {
		return inv.fail("run_pod_sandbox", 0, err)
	}
	var id string
	d, err := engine.Time(func() (err error) {
		id, err = inv.createIn(ctx, pod)
		return err
	})
	if err != nil {
		return inv.fail("create_container", d, err)
	}
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) startContainer(ctx context.Context) engine.Outcome {
	id, stage, err := inv.created(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	d, err := engine.Time(func() error { return inv.start(ctx, id) })
	if err != nil {
		return inv.fail("start_container", d, err)
	}
	return inv.ok(d, map[string]any{"container": short(id)})
}

// retry times fn, calling it once more after a short pause if the first
// call failed. The pause is part of the measured window.
func retry(ctx context.Context, fn func() error) (time.Duration, error) {
	return engine.Time(func() error {
		err := fn()
		if err == nil || ctx.Err() != nil || status.Code(err) == codes.Unavailable {
			return err
		}
		if serr := sleepCtx(ctx, retryDelay); serr != nil {
			return err
		}
		return fn()
	})
}

func (inv *invocation) stopContainer(ctx context.Context) engine.Outcome {
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	if err := sleepCtx(ctx, settleDelay); err != nil {
		return inv.fail("stop_container", 0, err)
	}
	d, err := retry(ctx, func() error {
		_, err := inv.c.runtime.StopContainer(ctx, &runtimeapi.StopContainerRequest{ContainerId: id})
		return err
	})
	if err != nil {
		return inv.fail("stop_container", d, err)
	}
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) removeContainer(ctx context.Context) engine.Outcome {
	id, stage, err := inv.created(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	d, err := retry(ctx, func() error {
		_, err := inv.c.runtime.RemoveContainer(ctx, &runtimeapi.RemoveContainerRequest{ContainerId: id})
		return err
	})
	if err != nil {
		return inv.fail("remove_container", d, err)
	}
	inv.res.Containers = nil
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) createStart(ctx context.Context) engine.Outcome {
	pod, err := inv.runPod(ctx, inv.args.Bool(operation.ArgNetwork))
	if err != nil {
		return inv.fail("run_pod_sandbox", 0, err)
	}
	stage := "create_container"
	d, err := engine.Time(func() error {
		id, err := inv.createIn(ctx, pod)
		if err != nil {
			return err
		}
		stage = "start_container"
		return inv.start(ctx, id)
	})
	if err != nil {
		return inv.fail(stage, d, err)
	}
	return inv.ok(d, nil)
}

func (inv *invocation) listContainers(ctx context.Context) engine.Outcome {
	var n int
	d, err := engine.Time(func() error {
		resp, err := inv.c.runtime.ListContainers(ctx, &runtimeapi.ListContainersRequest{})
		n = len(resp.GetContainers())
		return err
	})
	if err != nil {
		return inv.fail("list_containers", d, err)
	}
	return inv.ok(d, map[string]any{"count": n})
}

func (inv *invocation) containerStats(ctx context.Context) engine.Outcome {
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	var st *runtimeapi.ContainerStats
	d, err := engine.Time(func() error {
		resp, err := inv.c.runtime.ContainerStats(ctx, &runtimeapi.ContainerStatsRequest{ContainerId: id})
		st = resp.GetStats()
		return err
	})
	if err != nil {
		return inv.fail("container_stats", d, err)
	}
	return inv.ok(d, map[string]any{
		"memory": units.BytesSize(float64(st.GetMemory().GetWorkingSetBytes().GetValue())),
		"cpu_ns": st.GetCpu().GetUsageCoreNanoSeconds().GetValue(),
	})
}

func (inv *invocation) execSync(ctx context.Context, id string, cmd []string) ([]byte, error) {
	resp, err := inv.c.runtime.ExecSync(ctx, &runtimeapi.ExecSyncRequest{ContainerId: id, Cmd: cmd})
	if err != nil {
		return nil, err
	}
	if resp.GetExitCode() != 0 {
		return resp.GetStdout(), fmt.Errorf("exit code %d: %s", resp.GetExitCode(), strings.TrimSpace(string(resp.GetStderr())))
	}
	return resp.GetStdout(), nil
}

func (inv *invocation) execCommand(ctx context.Context) engine.Outcome {
	cmd := inv.args.Command()
	if len(cmd) == 0 {
		return inv.fail("exec", 0, errors.New("empty command"))
	}
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	var out []byte
	d, err := engine.Time(func() (err error) {
		out, err = inv.execSync(ctx, id, cmd)
		return err
	})
	if err != nil {
		return inv.fail("exec", d, err)
	}
	return inv.ok(d, map[string]any{"output_bytes": len(out)})
}

// networkSetup times a pod sandbox with its own network namespace, which
// makes the runtime invoke its network plugin.
func (inv *invocation) networkSetup(ctx context.Context) engine.Outcome {
	var pod string
	d, err := engine.Time(func() (err error) {
		pod, err = inv.runPod(ctx, false)
		return err
	})
	if err != nil {
		return inv.fail("run_pod_sandbox", d, err)
	}
	return inv.ok(d, map[string]any{"pod": short(pod)})
}

func (inv *invocation) storageWrite(ctx context.Context) engine.Outcome {
	size, err := inv.args.Bytes(operation.ArgSize)
	if err != nil {
		return inv.fail("storage_write", 0, err)
	}
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	n := (size + units.MiB - 1) / units.MiB
	if n < 1 {
		n = 1
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("dd if=/dev/zero of=/tmp/enginebench.dat bs=%d count=%d && sync", units.MiB, n)}
	d, err := engine.Time(func() error {
		_, err := inv.execSync(ctx, id, cmd)
		return err
	})
	if err != nil {
		return inv.fail("storage_write", d, err)
	}
	payload := map[string]any{"bytes": n * units.MiB}
	if d > 0 {
		payload["rate"] = units.HumanSize(float64(n*units.MiB)/d.Seconds()) + "/s"
	}
	return inv.ok(d, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

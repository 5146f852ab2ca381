package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// invocation carries the state of one Invoke call.
type invocation struct {
	a    *Adapter
	c    *conn
	h    *engine.Handle
	op   string
	args operation.Args
	res  engine.Residue
}

func (inv *invocation) fail(stage string, d time.Duration, err error) engine.Outcome {
	return engine.Failed(inv.op, stage, d, inv.res, inv.connErr(err))
}

func (inv *invocation) ok(d time.Duration, payload map[string]any) engine.Outcome {
	return engine.Succeeded(d, inv.res, payload)
}

func (inv *invocation) pullImage(ctx context.Context) engine.Outcome {
	ref := inv.args.Image()
	d, err := engine.Time(func() error {
		rc, err := inv.c.api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return err
		}
		defer rc.Close()
		return drainPull(rc)
	})
	if err != nil {
		return inv.fail("image_pull", d, err)
	}
	if !inv.args.Bool(operation.ArgKeep) {
		inv.res.Images = append(inv.res.Images, ref)
	}
	return inv.ok(d, map[string]any{"image": ref})
}

// drainPull consumes the progress stream; the pull is complete only once
// the daemon closes it. Errors are reported in-band.
func drainPull(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read pull progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
	}
}

func (inv *invocation) listImages(ctx context.Context) engine.Outcome {
	var n int
	d, err := engine.Time(func() error {
		imgs, err := inv.c.api.ImageList(ctx, image.ListOptions{})
		n = len(imgs)
		return err
	})
	if err != nil {
		return inv.fail("image_list", d, err)
	}
	return inv.ok(d, map[string]any{"count": n})
}

func (inv *invocation) inspectImage(ctx context.Context) engine.Outcome {
	ref := inv.args.Image()
	var size int64
	d, err := engine.Time(func() error {
		info, err := inv.c.api.ImageInspect(ctx, ref)
		size = info.Size
		return err
	})
	if err != nil {
		return inv.fail("image_inspect", d, err)
	}
	return inv.ok(d, map[string]any{"image": ref, "size": units.HumanSize(float64(size))})
}

// create makes a labelled keep-alive container and records it as residue.
func (inv *invocation) create(ctx context.Context, hostCfg *container.HostConfig) (string, error) {
	cfg := &container.Config{
		Image:  inv.args.Image(),
		Cmd:    keepAlive,
		Labels: inv.a.labels(),
	}
	if hostCfg == nil {
		hostCfg = &container.HostConfig{}
	}
	resp, err := inv.c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, uniqueName("ctr"))
	if err != nil {
		return "", err
	}
	inv.res.Containers = append(inv.res.Containers, resp.ID)
	return resp.ID, nil
}

func (inv *invocation) start(ctx context.Context, id string) error {
	return inv.c.api.ContainerStart(ctx, id, container.StartOptions{})
}

// running prepares a started container without timing it.
func (inv *invocation) running(ctx context.Context) (string, string, error) {
	id, err := inv.create(ctx, nil)
	if err != nil {
		return "", "container_create", err
	}
	if err := inv.start(ctx, id); err != nil {
		return id, "container_start", err
	}
	return id, "", nil
}

func (inv *invocation) createContainer(ctx context.Context) engine.Outcome {
	var id string
	d, err := engine.Time(func() (err error) {
		id, err = inv.create(ctx, nil)
		return err
	})
	if err != nil {
		return inv.fail("container_create", d, err)
	}
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) startContainer(ctx context.Context) engine.Outcome {
	id, err := inv.create(ctx, nil)
	if err != nil {
		return inv.fail("container_create", 0, err)
	}
	d, err := engine.Time(func() error { return inv.start(ctx, id) })
	if err != nil {
		return inv.fail("container_start", d, err)
	}
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) stopContainer(ctx context.Context) engine.Outcome {
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	// let the entrypoint install its signal handler
	if err := sleepCtx(ctx, settleDelay); err != nil {
		return inv.fail("container_stop", 0, err)
	}

	timeout := inv.a.stopTimeout
	stop := func() error {
		return inv.c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	}
	// the retry is part of the timed window
	d, err := engine.Time(func() error {
		err := stop()
		if err == nil || ctx.Err() != nil {
			return err
		}
		inv.a.logger.Debug("stop failed, retrying", "container", short(id), "error", err)
		if serr := sleepCtx(ctx, stopRetryDelay); serr != nil {
			return err
		}
		return stop()
	})
	if err != nil {
		return inv.fail("container_stop", d, err)
	}
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) removeContainer(ctx context.Context) engine.Outcome {
	id, err := inv.create(ctx, nil)
	if err != nil {
		return inv.fail("container_create", 0, err)
	}
	d, err := engine.Time(func() error {
		return inv.c.api.ContainerRemove(ctx, id, container.RemoveOptions{})
	})
	if err != nil {
		return inv.fail("container_remove", d, err)
	}
	inv.res.Containers = nil
	return inv.ok(d, map[string]any{"container": short(id)})
}

func (inv *invocation) createStart(ctx context.Context) engine.Outcome {
	stage := "container_create"
	d, err := engine.Time(func() error {
		id, err := inv.create(ctx, nil)
		if err != nil {
			return err
		}
		stage = "container_start"
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
		list, err := inv.c.api.ContainerList(ctx, container.ListOptions{All: true})
		n = len(list)
		return err
	})
	if err != nil {
		return inv.fail("container_list", d, err)
	}
	return inv.ok(d, map[string]any{"count": n})
}

func (inv *invocation) containerStats(ctx context.Context) engine.Outcome {
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	var st container.StatsResponse
	d, err := engine.Time(func() error {
		r, err := inv.c.api.ContainerStatsOneShot(ctx, id)
		if err != nil {
			return err
		}
		defer r.Body.Close()
		return json.NewDecoder(r.Body).Decode(&st)
	})
	if err != nil {
		return inv.fail("container_stats", d, err)
	}
	return inv.ok(d, map[string]any{
		"memory": units.BytesSize(float64(st.MemoryStats.Usage)),
		"cpu_ns": st.CPUStats.CPUUsage.TotalUsage,
		"pids":   st.PidsStats.Current,
	})
}

// exec runs cmd in id, waits for it to exit and returns its stdout.
func (inv *invocation) exec(ctx context.Context, id string, cmd []string) (string, error) {
	created, err := inv.c.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	attach, err := inv.c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}
	info, err := inv.c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if info.ExitCode != 0 {
		return stdout.String(), fmt.Errorf("exit code %d: %s", info.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (inv *invocation) execCommand(ctx context.Context) engine.Outcome {
	id, stage, err := inv.running(ctx)
	if err != nil {
		return inv.fail(stage, 0, err)
	}
	cmd := inv.args.Command()
	if len(cmd) == 0 {
		return inv.fail("exec", 0, errors.New("empty command"))
	}
	var out string
	d, err := engine.Time(func() (err error) {
		out, err = inv.exec(ctx, id, cmd)
		return err
	})
	if err != nil {
		return inv.fail("exec", d, err)
	}
	return inv.ok(d, map[string]any{"output_bytes": len(out)})
}

// networkSetup times bringing up a container on a fresh bridge network.
func (inv *invocation) networkSetup(ctx context.Context) engine.Outcome {
	name := uniqueName("net")
	stage := "network_create"
	d, err := engine.Time(func() error {
		created, err := inv.c.api.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "bridge",
			Labels: inv.a.labels(),
		})
		if err != nil {
			return err
		}
		inv.res.Networks = append(inv.res.Networks, created.ID)

		stage = "container_create"
		id, err := inv.create(ctx, &container.HostConfig{NetworkMode: container.NetworkMode(name)})
		if err != nil {
			return err
		}
		stage = "container_start"
		return inv.start(ctx, id)
	})
	if err != nil {
		return inv.fail(stage, d, err)
	}
	return inv.ok(d, map[string]any{"network": name})
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
	cmd := []string{"sh", "-c", ddCommand(size)}
	d, err := engine.Time(func() error {
		_, err := inv.exec(ctx, id, cmd)
		return err
	})
	if err != nil {
		return inv.fail("storage_write", d, err)
	}
	payload := map[string]any{"bytes": blocks(size) * units.MiB}
	if d > 0 {
		payload["rate"] = units.HumanSize(float64(blocks(size)*units.MiB)/d.Seconds()) + "/s"
	}
	return inv.ok(d, payload)
}

// blocks rounds size up to whole mebibytes.
func blocks(size int64) int64 {
	n := (size + units.MiB - 1) / units.MiB
	if n < 1 {
		n = 1
	}
	return n
}

func ddCommand(size int64) string {
	return fmt.Sprintf("dd if=/dev/zero of=/tmp/enginebench.dat bs=%d count=%d && sync", units.MiB, blocks(size))
}

func (inv *invocation) volumeCreate(ctx context.Context) engine.Outcome {
	name := uniqueName("vol")
	d, err := engine.Time(func() error {
		v, err := inv.c.api.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: inv.a.labels()})
		if err != nil {
			return err
		}
		inv.res.Volumes = append(inv.res.Volumes, v.Name)
		return nil
	})
	if err != nil {
		return inv.fail("volume_create", d, err)
	}
	return inv.ok(d, map[string]any{"volume": name})
}

func networkListOptions(f filters.Args) network.ListOptions {
	return network.ListOptions{Filters: f}
}

func volumeListOptions(f filters.Args) volume.ListOptions {
	return volume.ListOptions{Filters: f}
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

package operation

import "slices"

// Operation names shared by every adapter.
const (
	PullImage             = "pull_image"
	ListImages            = "list_images"
	InspectImage          = "inspect_image"
	CreateContainer       = "create_container"
	StartContainer        = "start_container"
	StopContainer         = "stop_container"
	RemoveContainer       = "remove_container"
	CreateStartContainer  = "create_start_container"
	ListContainers        = "list_containers"
	ContainerStats        = "container_stats"
	ExecCommand           = "exec_command"
	RunPodSandbox         = "run_pod_sandbox"
	NetworkSetup          = "network_setup"
	StorageWrite          = "storage_write"
	VolumeCreate          = "volume_create"
	ConcurrentCreateStart = "concurrent_create_start"
)

var both = []Style{StyleCRI, StyleClient}

// DefaultArgs are the argument values used when neither config nor the
// request provides one.
func DefaultArgs() Args {
	return Args{
		ArgImage:   "busybox:latest",
		ArgCommand: "echo hello",
		ArgSize:    "16MiB",
		ArgNetwork: "true",
		ArgKeep:    "true",
	}
}

// Builtin returns the built-in operation catalog.
func Builtin() []Spec {
	return []Spec{
		{
			Name: PullImage, Category: CategoryImage, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupImage,
			Styles: both, Description: "pull an image from its registry",
		},
		{
			Name: ListImages, Category: CategoryImage, Mode: ModeLatency,
			Idempotency: Repeatable, Cleanup: CleanupNone,
			Styles: both, Description: "list local images",
		},
		{
			Name: InspectImage, Category: CategoryImage, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: Repeatable, Cleanup: CleanupNone,
			Styles: both, Description: "query status of a local image",
		},
		{
			Name: CreateContainer, Category: CategoryLifecycle, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "create a container without starting it",
		},
		{
			Name: StartContainer, Category: CategoryLifecycle, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "start a freshly created container",
		},
		{
			Name: StopContainer, Category: CategoryLifecycle, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "stop a running container",
		},
		{
			Name: RemoveContainer, Category: CategoryLifecycle, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "remove a stopped container",
		},
		{
			Name: CreateStartContainer, Category: CategoryLifecycle, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "create and start a container as one composite step",
		},
		{
			Name: ListContainers, Category: CategoryLifecycle, Mode: ModeLatency,
			Idempotency: Repeatable, Cleanup: CleanupNone,
			Styles: both, Description: "list all containers",
		},
		{
			Name: ContainerStats, Category: CategoryResource, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "query resource usage of a running container",
		},
		{
			Name: ExecCommand, Category: CategoryLifecycle, Mode: ModeLatency,
			Required: []string{ArgImage, ArgCommand}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "run a command inside a running container",
		},
		{
			Name: RunPodSandbox, Category: CategoryLifecycle, Mode: ModeLatency,
			Idempotency: CleanupBetween, Cleanup: CleanupPod,
			Styles: []Style{StyleCRI}, Description: "run an empty pod sandbox",
		},
		{
			Name: NetworkSetup, Category: CategoryNetwork, Mode: ModeLatency,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "bring up a container with its own network namespace",
		},
		{
			Name: StorageWrite, Category: CategoryStorage, Mode: ModeLatency,
			Required: []string{ArgImage, ArgSize}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "write size bytes to the container filesystem",
		},
		{
			Name: VolumeCreate, Category: CategoryStorage, Mode: ModeLatency,
			Idempotency: CleanupBetween, Cleanup: CleanupVolume,
			Styles: []Style{StyleClient}, Description: "create a named volume",
		},
		{
			Name: ConcurrentCreateStart, Category: CategoryLifecycle, Mode: ModeThroughput,
			Required: []string{ArgImage}, Idempotency: CleanupBetween, Cleanup: CleanupContainer,
			Styles: both, Description: "create and start containers under concurrent load",
		},
	}
}

// BuiltinSuites returns the built-in suites keyed by name.
func BuiltinSuites() map[string][]string {
	lifecycle := []string{CreateContainer, StartContainer, StopContainer, RemoveContainer}
	query := []string{ListContainers, ListImages, ContainerStats}

	standard := append(append([]string{PullImage}, lifecycle...), query...)
	standardOffline := append(append([]string{}, lifecycle...), query...)
	extraCRI := []string{RunPodSandbox, ExecCommand, NetworkSetup, StorageWrite, ConcurrentCreateStart}

	client := append(append([]string{PullImage}, lifecycle...), append(query, ExecCommand)...)
	clientOffline := append(append([]string{}, lifecycle...), append(query, ExecCommand)...)
	extraClient := []string{CreateStartContainer, InspectImage, VolumeCreate, NetworkSetup, StorageWrite, ConcurrentCreateStart}

	return map[string][]string{
		"standard":         standard,
		"standard_offline": standardOffline,
		"extended":         append(slices.Clone(standard), extraCRI...),
		"extended_offline": append(slices.Clone(standardOffline), extraCRI...),
		"client":           client,
		"client_offline":   clientOffline,
		"client_extended":  append(slices.Clone(client), extraClient...),
	}
}


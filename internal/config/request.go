package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ConfigurationError collects every problem found in a run request.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// RunRequest is one invocation of the benchmark, after flags and config
// have been merged.
type RunRequest struct {
	Mode              string        `validate:"required,oneof=run compare bench"`
	Engines           []string      `validate:"required,min=1,dive,required"`
	Style             engine.Style  `validate:"required,oneof=cri client"`
	Operation         string        `validate:"required_without=Suite,excluded_with=Suite"`
	Suite             string        `validate:"required_without=Operation"`
	Iterations        int           `validate:"gte=1"`
	Warmup            int           `validate:"gte=0"`
	Timeout           time.Duration `validate:"gt=0"`
	ConcurrencyLevels []int         `validate:"required,min=1,dive,gte=1"`
	Format            string        `validate:"oneof=console json"`
	Output            string
	ParallelEngines   bool
	Baseline          string
	Image             string
	OutlierSigma      float64 `validate:"gte=0"`
	FailureThreshold  float64 `validate:"gte=0,lte=1"`
	ValidityThreshold float64 `validate:"gte=0,lte=1"`
	// Args override operation arguments for every step.
	Args operation.Args
}

// NewRequest seeds a request from the loaded configuration.
func NewRequest(cfg *Config, mode string) *RunRequest {
	return &RunRequest{
		Mode:              mode,
		Iterations:        cfg.Tests.Iterations,
		Warmup:            cfg.Tests.Warmup,
		Timeout:           time.Duration(cfg.Tests.TimeoutSeconds) * time.Second,
		ConcurrencyLevels: []int{max(cfg.Tests.Concurrency, 1)},
		Format:            "console",
		Baseline:          cfg.Compare.Baseline,
		Image:             cfg.Tests.DefaultImage,
		OutlierSigma:      cfg.Tests.OutlierSigma,
		FailureThreshold:  cfg.Tests.FailureThreshold,
		ValidityThreshold: cfg.Compare.ValidityThreshold,
		Args:              operation.Args{},
	}
}

// DropIncompatible removes engines that cannot be driven through the
// requested style and returns what it removed. Multi-engine comparisons
// skip such engines instead of failing.
func (r *RunRequest) DropIncompatible() []string {
	var kept, skipped []string
	for _, name := range r.Engines {
		if engine.CheckStyle(name, r.Style) != nil {
			skipped = append(skipped, name)
			continue
		}
		kept = append(kept, name)
	}
	r.Engines = kept
	return skipped
}

// Validate checks field ranges and resolves names against the registry
// and configuration. All problems are reported together.
func (r *RunRequest) Validate(reg *operation.Registry, cfg *Config) error {
	var problems []string

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ConfigurationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	seen := make(map[string]bool)
	for _, name := range r.Engines {
		if seen[name] {
			problems = append(problems, fmt.Sprintf("engine %s listed twice", name))
			continue
		}
		seen[name] = true
		if err := engine.CheckStyle(name, r.Style); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, err := cfg.Endpoint(name, r.Style); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if r.Operation != "" || r.Suite != "" {
		if _, err := r.Steps(reg, cfg); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return strings.ToLower(fe.Field()) + " is required"
	case "excluded_with":
		return strings.ToLower(fe.Field()) + " and " + strings.ToLower(fe.Param()) + " are mutually exclusive"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", strings.ToLower(fe.Field()), fe.Param(), fe.Value())
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s must be %s %s, got %v", strings.ToLower(fe.Field()), fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
}

// Step is one resolved operation with its merged arguments.
type Step struct {
	Spec operation.Spec
	Args operation.Args
}

// Steps resolves the request's operation or suite into ordered steps.
// Suite operations the style cannot drive are left out; a lone operation
// the style cannot drive is an error.
func (r *RunRequest) Steps(reg *operation.Registry, cfg *Config) ([]Step, error) {
	var names []string
	single := r.Operation != ""
	if single {
		names = []string{r.Operation}
	} else {
		ops, err := reg.Suite(r.Suite)
		if err != nil {
			return nil, err
		}
		names = ops
	}

	var steps []Step
	for _, name := range names {
		spec, err := reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !spec.Supports(r.Style) {
			if single {
				return nil, fmt.Errorf("operation %s is not available through the %s interface style", name, r.Style)
			}
			continue
		}
		args, err := reg.Args(spec, r.argsFor(spec, cfg))
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Spec: spec, Args: args})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("suite %s has no operations for the %s interface style", r.Suite, r.Style)
	}
	return steps, nil
}

func (r *RunRequest) argsFor(spec operation.Spec, cfg *Config) operation.Args {
	a := operation.Args{
		operation.ArgCommand: cfg.Tests.ExecCommand,
		operation.ArgSize:    cfg.Tests.StorageSize,
		operation.ArgKeep:    strconv.FormatBool(cfg.Tests.KeepImage),
		operation.ArgNetwork: strconv.FormatBool(cfg.Tests.CRIHostNetwork),
		operation.ArgImage:   r.Image,
	}
	if spec.Category != operation.CategoryImage && cfg.Tests.LifecycleImage != "" {
		a[operation.ArgImage] = cfg.Tests.LifecycleImage
	}
	return a.Merge(r.Args)
}

// ParseLevels parses a comma-separated list such as "1,2,4,8".
func ParseLevels(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid concurrency level %q", part)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no concurrency levels in %q", s)
	}
	return out, nil
}

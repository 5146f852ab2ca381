package operation

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// UnknownOperationError is returned when a name is not registered.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q", e.Name)
}

// UnknownSuiteError is returned when a suite name is not registered.
type UnknownSuiteError struct {
	Name string
}

func (e *UnknownSuiteError) Error() string {
	return fmt.Sprintf("unknown suite %q", e.Name)
}

// MissingArgumentError is returned when a required argument has no value.
type MissingArgumentError struct {
	Operation string
	Arg       string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("operation %s: missing required argument %q", e.Operation, e.Arg)
}

// Registry is immutable after New returns.
type Registry struct {
	specs    map[string]Spec
	order    []string
	suites   map[string][]string
	defaults Args
}

// New validates specs and suites and builds a registry. defaults supplies
// argument values used when a request does not override them, and must
// hold every argument a spec requires.
func New(specs []Spec, suites map[string][]string, defaults Args) (*Registry, error) {
	r := &Registry{
		specs:    make(map[string]Spec, len(specs)),
		suites:   make(map[string][]string, len(suites)),
		defaults: defaults,
	}

	var errs []error
	for _, s := range specs {
		if err := validateSpec(s); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.specs[s.Name]; dup {
			errs = append(errs, fmt.Errorf("operation %s: registered twice", s.Name))
			continue
		}
		for _, a := range s.Required {
			if strings.TrimSpace(defaults[a]) == "" {
				errs = append(errs, &MissingArgumentError{Operation: s.Name, Arg: a})
			}
		}
		r.specs[s.Name] = s
		r.order = append(r.order, s.Name)
	}

	for name, ops := range suites {
		if len(ops) == 0 {
			errs = append(errs, fmt.Errorf("suite %s: no operations", name))
			continue
		}
		for _, op := range ops {
			if _, ok := r.specs[op]; !ok {
				errs = append(errs, fmt.Errorf("suite %s: %w", name, &UnknownOperationError{Name: op}))
			}
		}
		r.suites[name] = slices.Clone(ops)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Default builds the registry over the built-in catalog and suites.
func Default(defaults Args, extraSuites map[string][]string) (*Registry, error) {
	suites := BuiltinSuites()
	for name, ops := range extraSuites {
		suites[name] = ops
	}
	return New(Builtin(), suites, DefaultArgs().Merge(defaults))
}

func validateSpec(s Spec) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("operation with empty name")
	}
	switch s.Category {
	case CategoryLifecycle, CategoryImage, CategoryNetwork, CategoryStorage, CategoryResource:
	default:
		return fmt.Errorf("operation %s: unknown category %q", s.Name, s.Category)
	}
	switch s.Mode {
	case ModeLatency, ModeThroughput:
	default:
		return fmt.Errorf("operation %s: unknown mode %q", s.Name, s.Mode)
	}
	switch s.Idempotency {
	case Repeatable, CleanupBetween:
	default:
		return fmt.Errorf("operation %s: unknown idempotency %q", s.Name, s.Idempotency)
	}
	if !slices.Contains(knownCleanups, s.Cleanup) {
		return fmt.Errorf("operation %s: cleanup action %q does not resolve", s.Name, s.Cleanup)
	}
	if s.Idempotency == CleanupBetween && s.Cleanup == CleanupNone {
		return fmt.Errorf("operation %s: cleanup-between requires a cleanup action", s.Name)
	}
	if len(s.Styles) == 0 {
		return fmt.Errorf("operation %s: no supported styles", s.Name)
	}
	for _, a := range s.Required {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("operation %s: empty required argument name", s.Name)
		}
	}
	return nil
}

func (r *Registry) Lookup(name string) (Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, &UnknownOperationError{Name: name}
	}
	return s, nil
}

// Suite returns the ordered operation names of a suite.
func (r *Registry) Suite(name string) ([]string, error) {
	ops, ok := r.suites[name]
	if !ok {
		return nil, &UnknownSuiteError{Name: name}
	}
	return slices.Clone(ops), nil
}

func (r *Registry) SuiteNames() []string {
	names := make([]string, 0, len(r.suites))
	for n := range r.suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every spec in registration order.
func (r *Registry) All() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.specs[n])
	}
	return out
}

// ForStyle returns the specs supported by a style, in registration order.
func (r *Registry) ForStyle(style Style) []Spec {
	var out []Spec
	for _, s := range r.All() {
		if s.Supports(style) {
			out = append(out, s)
		}
	}
	return out
}

// Args merges overrides over the registry defaults and checks that every
// required argument of the spec has a value.
func (r *Registry) Args(s Spec, overrides Args) (Args, error) {
	args := r.defaults.Merge(overrides)
	for _, req := range s.Required {
		if strings.TrimSpace(args[req]) == "" {
			return nil, &MissingArgumentError{Operation: s.Name, Arg: req}
		}
	}
	return args, nil
}

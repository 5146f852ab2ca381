package engine

import (
	"fmt"
	"slices"
	"sort"
)

// Known describes a runtime the tool knows how to reach.
type Known struct {
	Name          string           `json:"name"`
	Styles        []Style          `json:"styles"`
	Endpoints     map[Style]string `json:"endpoints"`
	ImageEndpoint string           `json:"image_endpoint,omitempty"`
}

var known = map[string]Known{
	"isulad": {
		Name:   "isulad",
		Styles: []Style{StyleCRI, StyleClient},
		Endpoints: map[Style]string{
			StyleCRI:    "unix:///var/run/isulad.sock",
			StyleClient: "unix:///var/run/isulad.sock",
		},
	},
	"docker": {
		Name:      "docker",
		Styles:    []Style{StyleClient},
		Endpoints: map[Style]string{StyleClient: "unix:///var/run/docker.sock"},
	},
	"containerd": {
		Name:      "containerd",
		Styles:    []Style{StyleCRI},
		Endpoints: map[Style]string{StyleCRI: "unix:///run/containerd/containerd.sock"},
	},
	"crio": {
		Name:      "crio",
		Styles:    []Style{StyleCRI},
		Endpoints: map[Style]string{StyleCRI: "unix:///var/run/crio/crio.sock"},
	},
}

// Lookup returns the built-in description of an engine.
func Lookup(name string) (Known, bool) {
	k, ok := known[name]
	return k, ok
}

// KnownNames returns every built-in engine name, sorted.
func KnownNames() []string {
	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckStyle reports whether name can be driven through style. Unknown
// engines are accepted; their configuration decides.
func CheckStyle(name string, style Style) error {
	k, ok := known[name]
	if !ok {
		return nil
	}
	if !slices.Contains(k.Styles, style) {
		return fmt.Errorf("engine %s does not support the %s interface style", name, style)
	}
	return nil
}

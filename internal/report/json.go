package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/p-arndt/enginebench/internal/result"
)

// JSON writes doc as indented JSON.
func JSON(w io.Writer, doc *result.Document) error {
	return doc.Encode(w)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArtifactDir names the directory a run's artifacts are written to:
// <out>/<timestamp>_<mode>_<style>_<engines>_<suite|op>.
func ArtifactDir(out string, doc *result.Document) string {
	target := doc.Request.Suite
	if target == "" {
		target = doc.Request.Operation
	}
	parts := []string{
		doc.GeneratedAt.Format("20060102-150405"),
		doc.Request.Mode,
		doc.Request.Style,
		strings.Join(doc.Request.Engines, "-"),
		target,
	}
	for i, p := range parts {
		parts[i] = unsafeName.ReplaceAllString(p, "_")
	}
	return filepath.Join(out, strings.Join(parts, "_"))
}

// Artifact formats accepted by WriteArtifacts.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

var artifactFiles = map[string]string{
	FormatJSON:    "result.json",
	FormatConsole: "report.txt",
}

// WriteArtifacts writes one file per format under ArtifactDir and returns
// their paths in format order. A console artifact is rendered without
// colour.
func WriteArtifacts(out string, doc *result.Document, formats []string) ([]string, error) {
	dir := ArtifactDir(out, doc)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	var paths []string
	for _, format := range formats {
		name, ok := artifactFiles[format]
		if !ok {
			return paths, fmt.Errorf("unknown report format %q", format)
		}
		path := filepath.Join(dir, name)
		if err := writeFile(path, func(w io.Writer) error {
			if format == FormatConsole {
				return NewConsole(w, true).Render(doc)
			}
			return doc.Encode(w)
		}); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

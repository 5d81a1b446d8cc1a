// Package scaffold writes a starter project: a Python function image, its
// serverless config, Kubernetes manifests and a deployer.yaml that ties them together.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/config"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/errors"
)

//go:embed templates
var templates embed.FS

// Project names the generated app and where it is deployed
type Project struct {
	App       string
	Region    string
	Account   string
	Cluster   string
	Namespace string
}

// Options controls how files are written
type Options struct {
	// Force overwrites existing files
	Force bool
}

// Files returns the relative paths Write generates, in write order
func Files() ([]string, error) {
	var files []string
	err := fs.WalkDir(templates, "templates", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files = append(files, strings.TrimPrefix(p, "templates/"))
		return nil
	})
	return files, err
}

// Write renders the starter project into dir and returns the paths written.
// Unless opts.Force is set, any existing file fails the call with
// ErrFileExists before anything is written.
func Write(dir string, project Project, opts Options, logger zerolog.Logger) ([]string, error) {
	if !config.IsDNSLabel(project.App) {
		return nil, fmt.Errorf("%w: app %q must be a lowercase DNS label", errors.ErrInvalidConfig, project.App)
	}
	if project.Cluster == "" {
		return nil, fmt.Errorf("%w: cluster is required", errors.ErrInvalidConfig)
	}
	if project.Namespace == "" {
		project.Namespace = constants.DefaultNamespace
	}
	if project.Region == "" {
		project.Region = constants.DefaultRegion
	}

	files, err := Files()
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	if !opts.Force {
		for _, name := range files {
			target := filepath.Join(dir, filepath.FromSlash(name))
			if _, err := os.Stat(target); err == nil {
				return nil, fmt.Errorf("%w: %s (use --force to overwrite)", errors.ErrFileExists, target)
			}
		}
	}

	var written []string
	for _, name := range files {
		content, err := render(name, project)
		if err != nil {
			return written, err
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, fmt.Errorf("failed to create directory for %s: %w", target, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", target, err)
		}

		logger.Debug().Str("file", target).Msg("wrote scaffold file")
		written = append(written, target)
	}

	return written, nil
}

// render fills in project values. Templates use [[ ]] delimiters so the
// {{ }} placeholders the deployer renders at deploy time pass through untouched.
func render(name string, project Project) ([]byte, error) {
	raw, err := templates.ReadFile(path.Join("templates", name))
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	tmpl, err := template.New(name).
		Delims("[[", "]]").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, project); err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

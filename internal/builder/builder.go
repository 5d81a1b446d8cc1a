// Package builder produces container images by invoking a docker-compatible
// build tool (docker, podman, finch) through its command line.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/errors"
)

// stderrTailLines is how much of the tool's stderr is kept in a build error
const stderrTailLines = 20

// Request describes an image to build
type Request struct {
	Context       string            // Build context directory
	Dockerfile    string            // Dockerfile path, relative to Context unless absolute
	Tag           string            // Fully qualified tag, e.g. 123456789012.dkr.ecr.us-east-1.amazonaws.com/app:v1
	Platform      string            // Optional target platform, e.g. linux/amd64
	Target        string            // Optional multi-stage target
	BuildArgs     map[string]string // --build-arg values
	Labels        map[string]string // --label values
	NoCache       bool              // Disable layer cache
	OutputTarball string            // When set, the image is saved to this path after the build
}

// Result describes a built image
type Result struct {
	Tag      string
	ImageID  string
	Tarball  string
	Duration time.Duration
}

// Builder wraps a docker-compatible CLI
type Builder struct {
	runner Runner
	tool   string
	out    io.Writer
	logger zerolog.Logger
}

// Option customizes a Builder
type Option func(*Builder)

// WithOutput streams the build tool's stdout and stderr to w
func WithOutput(w io.Writer) Option {
	return func(b *Builder) {
		b.out = w
	}
}

// New returns a Builder that invokes tool through runner. An empty tool defaults to docker.
func New(runner Runner, tool string, logger zerolog.Logger, opts ...Option) *Builder {
	if tool == "" {
		tool = constants.DefaultTool
	}
	b := &Builder{
		runner: runner,
		tool:   tool,
		out:    io.Discard,
		logger: logger.With().Str("component", "builder").Str("tool", tool).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build builds and tags an image, records its ID and optionally saves it as a tarball
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	contextDir, dockerfile, err := resolvePaths(req.Context, req.Dockerfile)
	if err != nil {
		return nil, err
	}

	if _, err := name.NewTag(req.Tag, name.WeakValidation); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errors.ErrInvalidReference, req.Tag, err)
	}

	logger := b.logger.With().Str("tag", req.Tag).Logger()
	logger.Info().Str("context", contextDir).Str("dockerfile", dockerfile).Msg("building image")

	if _, err := b.run(ctx, contextDir, BuildArgs(req, contextDir, dockerfile)...); err != nil {
		return nil, err
	}

	stdout, err := b.run(ctx, contextDir, "image", "inspect", "--format", "{{.Id}}", req.Tag)
	if err != nil {
		return nil, err
	}
	imageID := strings.TrimSpace(stdout)

	result := &Result{
		Tag:     req.Tag,
		ImageID: imageID,
	}

	if req.OutputTarball != "" {
		if err := os.MkdirAll(filepath.Dir(req.OutputTarball), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create tarball directory: %w", err)
		}
		if _, err := b.run(ctx, contextDir, "save", "--output", req.OutputTarball, req.Tag); err != nil {
			return nil, err
		}
		result.Tarball = req.OutputTarball
	}

	result.Duration = time.Since(started)
	logger.Info().
		Str("image_id", imageID).
		Dur("duration", result.Duration).
		Msg("image built")

	return result, nil
}

// BuildArgs returns the arguments passed to the build tool for req. Map-valued
// options are emitted in key order so the command line is stable.
func BuildArgs(req Request, contextDir, dockerfile string) []string {
	args := []string{"build", "--file", dockerfile, "--tag", req.Tag}
	if req.Platform != "" {
		args = append(args, "--platform", req.Platform)
	}
	if req.Target != "" {
		args = append(args, "--target", req.Target)
	}
	if req.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range sortedKeys(req.BuildArgs) {
		args = append(args, "--build-arg", k+"="+req.BuildArgs[k])
	}
	for _, k := range sortedKeys(req.Labels) {
		args = append(args, "--label", k+"="+req.Labels[k])
	}
	return append(args, contextDir)
}

func (b *Builder) run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	b.logger.Debug().Strs("args", args).Msg("running build tool")

	err := b.runner.Run(ctx, Command{
		Name:   b.tool,
		Args:   args,
		Dir:    dir,
		Stdout: io.MultiWriter(&stdout, b.out),
		Stderr: io.MultiWriter(&stderr, b.out),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s %s: %v", errors.ErrBuildFailed, b.tool, args[0], ctx.Err())
		}
		return "", fmt.Errorf("%w: %s %s: %v\n%s", errors.ErrBuildFailed, b.tool, args[0], err, tail(stderr.String(), stderrTailLines))
	}
	return stdout.String(), nil
}

func resolvePaths(contextDir, dockerfile string) (string, string, error) {
	if contextDir == "" {
		contextDir = constants.DefaultContext
	}
	if dockerfile == "" {
		dockerfile = constants.DefaultDockerfile
	}

	info, err := os.Stat(contextDir)
	if err != nil || !info.IsDir() {
		return "", "", fmt.Errorf("%w: %s", errors.ErrBuildContextNotFound, contextDir)
	}

	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(contextDir, dockerfile)
	}
	if info, err := os.Stat(dockerfile); err != nil || info.IsDir() {
		return "", "", fmt.Errorf("%w: %s", errors.ErrDockerfileNotFound, dockerfile)
	}

	return contextDir, dockerfile, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tail returns the last n lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Package orchestrator runs a deployment end to end: build the image, push it,
// render manifests against the pushed digest, gate them on policy, apply them
// and wait for the rollout. Each stage runs only if the previous one succeeded.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/builder"
	"github.com/savaki/eks-deployer/internal/cluster"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
	"github.com/savaki/eks-deployer/internal/dao/lockdao"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/policy"
	"github.com/savaki/eks-deployer/internal/registry"
	"github.com/savaki/eks-deployer/internal/render"
	"github.com/segmentio/ksuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Components are the pipeline stages. Applier may be nil for dry runs.
type Components struct {
	Builder   ImageBuilder
	Publisher ImagePublisher
	Renderer  ManifestRenderer
	Validator PolicyValidator
	Applier   ClusterApplier
}

// File is a non-Kubernetes template rendered with the same values as the manifests
type File struct {
	Template string
	Output   string
}

// Request describes one deployment
type Request struct {
	// DeploymentID defaults to a new KSUID
	DeploymentID string
	App          string
	Env          string
	Region       string
	Account      string
	Cluster      string
	Namespace    string
	// Holder identifies who started the deployment, e.g. user@host
	Holder string

	// Build describes the image; Tag and OutputTarball are set by the orchestrator
	Build builder.Request
	// Repository is the image repository without a tag, e.g.
	// 123456789012.dkr.ecr.us-east-1.amazonaws.com/hello
	Repository string
	// ImageTag defaults to the deployment ID
	ImageTag string
	Insecure bool

	Manifests []string
	Files     []File
	Values    map[string]any

	SkipPolicy        bool
	AllowedRegistries []string

	RolloutTimeout      time.Duration
	LoadBalancerTimeout time.Duration
	SkipWait            bool

	// WorkDir holds the image tarball; a temporary directory is used when empty
	WorkDir string
}

// RenderedFile is the output of a File template
type RenderedFile struct {
	Output  string
	Content string
}

// Result describes a deployment
type Result struct {
	DeploymentID string
	Reference    string // tag reference
	Image        string // digest reference deployed to the cluster
	Digest       string
	Attempts     int
	Documents    []render.Document
	Manifests    []byte
	Files        []RenderedFile
	ManifestURI  string
	Applied      []cluster.Applied
	Endpoint     string
	Duration     time.Duration
}

// Orchestrator runs deployments
type Orchestrator struct {
	components Components
	locks      LockStore
	history    HistoryStore
	archive    ArchiveStore
	lockTTL    time.Duration
	logger     zerolog.Logger
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithLocks serializes deployments of an app to a cluster namespace
func WithLocks(locks LockStore) Option {
	return func(o *Orchestrator) {
		o.locks = locks
	}
}

// WithHistory records every deployment and its outcome
func WithHistory(history HistoryStore) Option {
	return func(o *Orchestrator) {
		o.history = history
	}
}

// WithArchive stores the rendered manifests of every deployment
func WithArchive(archive ArchiveStore) Option {
	return func(o *Orchestrator) {
		o.archive = archive
	}
}

// WithLockTTL overrides constants.LockTTL
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.lockTTL = ttl
	}
}

// New creates a new Orchestrator instance
func New(components Components, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		components: components,
		lockTTL:    constants.LockTTL,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run builds, pushes, renders, validates, archives and applies a deployment,
// then waits for it to roll out. Failures are returned as *StageError.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if o.components.Applier == nil {
		return nil, fmt.Errorf("%w: no cluster applier configured", errors.ErrInvalidConfig)
	}
	req = req.withDefaults()

	started := time.Now()
	id := req.DeploymentID
	if id == "" {
		id = ksuid.New().String()
	}
	result := &Result{DeploymentID: id}

	logger := o.logger.With().
		Str("deployment_id", id).
		Str("app", req.App).
		Str("cluster", req.Cluster).
		Str("namespace", req.Namespace).
		Logger()
	logger.Info().Msg("starting deployment")

	release, err := o.lock(ctx, logger, req, id)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := o.track(ctx, logger, req, id)
	if err != nil {
		return nil, err
	}

	// build
	tag := req.ImageTag
	if tag == "" {
		tag = id
	}
	target := req.Repository + ":" + tag

	workDir, cleanup, err := workDirectory(req.WorkDir)
	if err != nil {
		return nil, t.fail(ctx, StageBuild, err)
	}
	defer cleanup()

	t.stage(ctx, StageBuild, deploymentdao.UpdateInput{})
	buildReq := req.Build
	buildReq.Tag = target
	buildReq.OutputTarball = filepath.Join(workDir, id+".tar")
	built, err := o.components.Builder.Build(ctx, buildReq)
	if err != nil {
		return nil, t.fail(ctx, StageBuild, err)
	}

	// push
	t.stage(ctx, StagePush, deploymentdao.UpdateInput{})
	pushed, err := o.components.Publisher.Push(ctx, registry.PushRequest{
		Tarball:  built.Tarball,
		Target:   target,
		Insecure: req.Insecure,
	})
	if err != nil {
		return nil, t.fail(ctx, StagePush, err)
	}
	result.Reference = pushed.Reference
	result.Image = pushed.DigestReference
	result.Digest = pushed.Digest
	result.Attempts = pushed.Attempts

	// render
	t.stage(ctx, StageRender, deploymentdao.UpdateInput{Image: pushed.DigestReference, Digest: pushed.Digest})
	values := req.values(id, pushed.DigestReference, tag, pushed.Digest)
	if err := o.render(req, values, result); err != nil {
		return nil, t.fail(ctx, StageRender, err)
	}

	// policy
	if err := o.validate(ctx, req, result.Documents); err != nil {
		return nil, t.fail(ctx, StagePolicy, err)
	}

	// archive
	if o.archive != nil {
		t.stage(ctx, StageArchive, deploymentdao.UpdateInput{})
		uri, err := o.archive.PutManifests(ctx, req.App, id, result.Manifests)
		if err != nil {
			return nil, t.fail(ctx, StageArchive, err)
		}
		result.ManifestURI = uri
	}

	for _, f := range result.Files {
		if err := os.WriteFile(f.Output, []byte(f.Content), 0o644); err != nil {
			return nil, t.fail(ctx, StageRender, fmt.Errorf("failed to write %s: %w", f.Output, err))
		}
		logger.Info().Str("file", f.Output).Msg("wrote rendered file")
	}

	t.stage(ctx, StageApply, deploymentdao.UpdateInput{ManifestURI: result.ManifestURI})
	if err := o.apply(ctx, t, req, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	t.succeed(ctx, result.Endpoint)
	logger.Info().
		Str("image", result.Image).
		Str("endpoint", result.Endpoint).
		Dur("duration", result.Duration).
		Msg("deployment complete")

	return result, nil
}

// DryRun renders and validates manifests for req without building, pushing
// or touching the cluster. The image is referenced by tag since no digest exists yet.
func (o *Orchestrator) DryRun(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	id := req.DeploymentID
	if id == "" {
		id = ksuid.New().String()
	}
	tag := req.ImageTag
	if tag == "" {
		tag = id
	}

	result := &Result{
		DeploymentID: id,
		Reference:    req.Repository + ":" + tag,
		Image:        req.Repository + ":" + tag,
	}

	values := req.values(id, result.Image, tag, "")
	if err := o.render(req, values, result); err != nil {
		return nil, &StageError{Stage: StageRender, Err: err}
	}
	if err := o.validate(ctx, req, result.Documents); err != nil {
		return nil, &StageError{Stage: StagePolicy, Err: err}
	}

	o.logger.Info().
		Str("deployment_id", id).
		Int("documents", len(result.Documents)).
		Msg("dry run complete")
	return result, nil
}

// lock acquires the deployment lock when a LockStore is configured. The
// returned func releases it.
func (o *Orchestrator) lock(ctx context.Context, logger zerolog.Logger, req Request, id string) (func(), error) {
	if o.locks == nil {
		return func() {}, nil
	}

	record, acquired, err := o.locks.Acquire(ctx, lockdao.AcquireInput{
		Cluster:      req.Cluster,
		Namespace:    req.Namespace,
		App:          req.App,
		DeploymentID: id,
		Holder:       req.Holder,
		TTL:          o.lockTTL,
	})
	if err != nil {
		return nil, &StageError{Stage: StageLock, Err: err}
	}
	if !acquired {
		return nil, &StageError{Stage: StageLock, Err: fmt.Errorf("%w: %s/%s/%s is held by deployment %s (%s) since %s",
			errors.ErrLockHeld, req.Cluster, req.Namespace, req.App,
			record.DeploymentID, record.Holder, time.Unix(record.AcquiredAt, 0).UTC().Format(time.RFC3339))}
	}

	lockID := lockdao.NewID(req.Cluster, req.Namespace, req.App)
	logger.Debug().Str("lock", lockID.String()).Msg("acquired deployment lock")

	return func() {
		err := o.locks.Release(context.WithoutCancel(ctx), lockdao.ReleaseInput{
			ID:           lockID,
			DeploymentID: id,
		})
		if err != nil {
			logger.Warn().Err(err).Str("lock", lockID.String()).Msg("failed to release deployment lock")
		}
	}, nil
}

// track creates the deployment record when a HistoryStore is configured
func (o *Orchestrator) track(ctx context.Context, logger zerolog.Logger, req Request, id string) (*tracker, error) {
	t := &tracker{
		history: o.history,
		id:      deploymentdao.NewID(req.Cluster, req.App, id),
		logger:  logger,
	}
	if o.history == nil {
		return t, nil
	}

	_, err := o.history.Create(ctx, deploymentdao.CreateInput{
		Cluster:      req.Cluster,
		App:          req.App,
		DeploymentID: id,
		Env:          req.Env,
		Namespace:    req.Namespace,
		Holder:       req.Holder,
	})
	if err != nil {
		return nil, &StageError{Stage: StageRecord, Err: err}
	}
	return t, nil
}

func (o *Orchestrator) render(req Request, values render.Values, result *Result) error {
	for _, path := range req.Manifests {
		docs, err := o.components.Renderer.RenderFile(path, values)
		if err != nil {
			return err
		}
		result.Documents = append(result.Documents, docs...)
	}
	if len(result.Documents) == 0 {
		return fmt.Errorf("%w: templates produced no documents", errors.ErrInvalidManifest)
	}

	manifests, err := render.Encode(result.Documents)
	if err != nil {
		return err
	}
	result.Manifests = manifests

	for _, f := range req.Files {
		text, err := os.ReadFile(f.Template)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", f.Template, err)
		}
		content, err := o.components.Renderer.RenderText(filepath.Base(f.Template), string(text), values)
		if err != nil {
			return err
		}
		result.Files = append(result.Files, RenderedFile{Output: f.Output, Content: content})
	}
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, req Request, docs []render.Document) error {
	if req.SkipPolicy || o.components.Validator == nil {
		o.logger.Warn().Msg("policy checks skipped")
		return nil
	}

	validation, err := o.components.Validator.Validate(ctx, docs, policy.Input{
		Namespace:         req.Namespace,
		AllowedRegistries: req.AllowedRegistries,
	})
	if err != nil {
		return err
	}
	return validation.Err()
}

// apply submits result.Documents, waits on every Deployment and resolves the
// first LoadBalancer Service endpoint
func (o *Orchestrator) apply(ctx context.Context, t *tracker, req Request, result *Result) error {
	applied, err := o.components.Applier.Apply(ctx, result.Documents)
	result.Applied = applied
	if err != nil {
		return t.fail(ctx, StageApply, err)
	}

	if req.SkipWait {
		return nil
	}

	t.stage(ctx, StageRollout, deploymentdao.UpdateInput{})
	for _, a := range applied {
		if a.Kind != "Deployment" {
			continue
		}
		if err := o.components.Applier.WaitForRollout(ctx, a.Namespace, a.Name, req.RolloutTimeout); err != nil {
			return t.fail(ctx, StageRollout, err)
		}
	}

	for _, doc := range result.Documents {
		if !isLoadBalancer(doc.Object) {
			continue
		}
		t.stage(ctx, StageEndpoint, deploymentdao.UpdateInput{})
		endpoint, err := o.components.Applier.WaitForLoadBalancer(ctx, doc.Object.GetNamespace(), doc.Object.GetName(), req.LoadBalancerTimeout)
		if err != nil {
			return t.fail(ctx, StageEndpoint, err)
		}
		if result.Endpoint == "" {
			result.Endpoint = endpoint
		}
	}

	return nil
}

func isLoadBalancer(obj *unstructured.Unstructured) bool {
	if obj.GetKind() != "Service" {
		return false
	}
	serviceType, _, _ := unstructured.NestedString(obj.Object, "spec", "type")
	return serviceType == "LoadBalancer"
}

func (r Request) validate() error {
	switch {
	case r.App == "":
		return fmt.Errorf("%w: app is required", errors.ErrInvalidConfig)
	case r.Namespace == "":
		return fmt.Errorf("%w: namespace is required", errors.ErrInvalidConfig)
	case r.Repository == "":
		return fmt.Errorf("%w: image repository is required", errors.ErrInvalidConfig)
	case len(r.Manifests) == 0:
		return fmt.Errorf("%w: at least one manifest is required", errors.ErrInvalidConfig)
	}
	return nil
}

func (r Request) withDefaults() Request {
	if r.RolloutTimeout <= 0 {
		r.RolloutTimeout = constants.RolloutTimeout
	}
	if r.LoadBalancerTimeout <= 0 {
		r.LoadBalancerTimeout = constants.LoadBalancerTimeout
	}
	return r
}

func (r Request) values(id, image, tag, digest string) render.Values {
	return render.Values{
		App:          r.App,
		Env:          r.Env,
		Namespace:    r.Namespace,
		Cluster:      r.Cluster,
		Region:       r.Region,
		Account:      r.Account,
		Image:        image,
		Repository:   repositoryName(r.Repository),
		ImageTag:     tag,
		Digest:       digest,
		DeploymentID: id,
		Values:       r.Values,
	}
}

// repositoryName strips the registry host from repository
func repositoryName(repository string) string {
	if _, name, ok := strings.Cut(repository, "/"); ok {
		return name
	}
	return repository
}

func workDirectory(dir string) (string, func(), error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		return dir, func() {}, nil
	}

	dir, err := os.MkdirTemp("", constants.AppName+"-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/savaki/eks-deployer/internal/builder"
	"github.com/savaki/eks-deployer/internal/cluster"
	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
	"github.com/savaki/eks-deployer/internal/dao/lockdao"
	"github.com/savaki/eks-deployer/internal/policy"
	"github.com/savaki/eks-deployer/internal/registry"
	"github.com/savaki/eks-deployer/internal/render"
)

// Stage names a step of the pipeline
type Stage string

const (
	StageLock     Stage = "lock"
	StageRecord   Stage = "record"
	StageBuild    Stage = "build"
	StagePush     Stage = "push"
	StageRender   Stage = "render"
	StagePolicy   Stage = "policy"
	StageArchive  Stage = "archive"
	StageApply    Stage = "apply"
	StageRollout  Stage = "rollout"
	StageEndpoint Stage = "endpoint"
)

// StageError reports which stage of a deployment failed
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ImageBuilder is satisfied by *builder.Builder
type ImageBuilder interface {
	Build(ctx context.Context, req builder.Request) (*builder.Result, error)
}

// ImagePublisher is satisfied by *registry.Publisher
type ImagePublisher interface {
	Push(ctx context.Context, req registry.PushRequest) (*registry.PushResult, error)
}

// ManifestRenderer is satisfied by *render.Renderer
type ManifestRenderer interface {
	RenderFile(path string, values render.Values) ([]render.Document, error)
	RenderText(name, text string, values render.Values) (string, error)
}

// PolicyValidator is satisfied by *policy.Validator
type PolicyValidator interface {
	Validate(ctx context.Context, docs []render.Document, in policy.Input) (*policy.ValidationResult, error)
}

// ClusterApplier is satisfied by *cluster.Applier
type ClusterApplier interface {
	Apply(ctx context.Context, docs []render.Document) ([]cluster.Applied, error)
	WaitForRollout(ctx context.Context, namespace, name string, timeout time.Duration) error
	WaitForLoadBalancer(ctx context.Context, namespace, name string, timeout time.Duration) (string, error)
}

// LockStore is satisfied by *lockdao.DAO
type LockStore interface {
	Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error)
	Release(ctx context.Context, input lockdao.ReleaseInput) error
}

// HistoryStore is satisfied by *deploymentdao.DAO
type HistoryStore interface {
	Create(ctx context.Context, input deploymentdao.CreateInput) (deploymentdao.Record, error)
	Find(ctx context.Context, id deploymentdao.ID) (deploymentdao.Record, error)
	UpdateStatus(ctx context.Context, input deploymentdao.UpdateInput) error
}

// ArchiveStore is satisfied by *services.ArtifactStore
type ArchiveStore interface {
	PutManifests(ctx context.Context, app, deploymentID string, data []byte) (string, error)
	GetManifests(ctx context.Context, uri string) ([]byte, error)
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/render"
	"github.com/segmentio/ksuid"
)

// RollbackRequest re-applies the archived manifests of an earlier deployment
type RollbackRequest struct {
	App       string
	Env       string
	Cluster   string
	Namespace string
	Holder    string
	// Target is the deployment ID to roll back to
	Target string

	RolloutTimeout      time.Duration
	LoadBalancerTimeout time.Duration
	SkipWait            bool
}

// Rollback applies the manifests archived by a previous successful deployment.
// The rollback is itself recorded as a new deployment.
func (o *Orchestrator) Rollback(ctx context.Context, req RollbackRequest) (*Result, error) {
	if o.history == nil || o.archive == nil {
		return nil, fmt.Errorf("%w: rollback requires state.table and state.bucket", errors.ErrInvalidConfig)
	}
	if o.components.Applier == nil {
		return nil, fmt.Errorf("%w: no cluster applier configured", errors.ErrInvalidConfig)
	}

	previous, err := o.history.Find(ctx, deploymentdao.NewID(req.Cluster, req.App, req.Target))
	if err != nil {
		return nil, err
	}
	if previous.Status != deploymentdao.StatusSuccess {
		return nil, fmt.Errorf("%w: deployment %s finished with status %s", errors.ErrInvalidConfig, req.Target, previous.Status)
	}
	if previous.ManifestURI == "" {
		return nil, fmt.Errorf("%w: deployment %s has no archived manifests", errors.ErrInvalidConfig, req.Target)
	}

	started := time.Now()
	id := ksuid.New().String()
	deploy := Request{
		App:                 req.App,
		Env:                 req.Env,
		Cluster:             req.Cluster,
		Namespace:           req.Namespace,
		Holder:              req.Holder,
		RolloutTimeout:      req.RolloutTimeout,
		LoadBalancerTimeout: req.LoadBalancerTimeout,
		SkipWait:            req.SkipWait,
	}.withDefaults()

	logger := o.logger.With().
		Str("deployment_id", id).
		Str("rollback_to", req.Target).
		Str("app", req.App).
		Logger()
	logger.Info().Msg("starting rollback")

	release, err := o.lock(ctx, logger, deploy, id)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := o.track(ctx, logger, deploy, id)
	if err != nil {
		return nil, err
	}

	t.stage(ctx, StageRender, deploymentdao.UpdateInput{
		Image:       previous.Image,
		Digest:      previous.Digest,
		ManifestURI: previous.ManifestURI,
	})
	data, err := o.archive.GetManifests(ctx, previous.ManifestURI)
	if err != nil {
		return nil, t.fail(ctx, StageRender, err)
	}
	docs, err := render.Decode(previous.ManifestURI, data)
	if err != nil {
		return nil, t.fail(ctx, StageRender, err)
	}
	for _, doc := range docs {
		if ns := doc.Object.GetNamespace(); ns != "" && ns != req.Namespace {
			return nil, t.fail(ctx, StageRender, fmt.Errorf("%w: %s targets namespace %q, want %q",
				errors.ErrNamespaceMismatch, doc.Source, ns, req.Namespace))
		}
	}

	result := &Result{
		DeploymentID: id,
		Image:        previous.Image,
		Digest:       previous.Digest,
		Documents:    docs,
		Manifests:    data,
		ManifestURI:  previous.ManifestURI,
	}

	t.stage(ctx, StageApply, deploymentdao.UpdateInput{})
	if err := o.apply(ctx, t, deploy, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	t.succeed(ctx, result.Endpoint)
	logger.Info().Str("image", result.Image).Dur("duration", result.Duration).Msg("rollback complete")

	return result, nil
}

package orchestrator

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
)

// tracker mirrors pipeline progress onto the deployment record. Record
// updates after creation are best effort; a failed update is logged and the
// deployment continues.
type tracker struct {
	history HistoryStore
	id      deploymentdao.ID
	logger  zerolog.Logger
}

func (t *tracker) stage(ctx context.Context, stage Stage, input deploymentdao.UpdateInput) {
	t.logger.Info().Str("stage", string(stage)).Msg("entering stage")
	input.Status = deploymentdao.StatusInProgress
	input.Stage = string(stage)
	t.update(ctx, input)
}

// fail records err against stage and returns it as a *StageError
func (t *tracker) fail(ctx context.Context, stage Stage, err error) error {
	t.logger.Error().Err(err).Str("stage", string(stage)).Msg("deployment failed")
	t.update(context.WithoutCancel(ctx), deploymentdao.UpdateInput{
		Status:   deploymentdao.StatusFailed,
		Stage:    string(stage),
		ErrorMsg: err.Error(),
	})
	return &StageError{Stage: stage, Err: err}
}

func (t *tracker) succeed(ctx context.Context, endpoint string) {
	t.update(ctx, deploymentdao.UpdateInput{
		Status:   deploymentdao.StatusSuccess,
		Endpoint: endpoint,
	})
}

func (t *tracker) update(ctx context.Context, input deploymentdao.UpdateInput) {
	if t.history == nil {
		return
	}
	input.ID = t.id
	if err := t.history.UpdateStatus(ctx, input); err != nil {
		t.logger.Warn().Err(err).Str("status", string(input.Status)).Msg("failed to update deployment record")
	}
}

package temporal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/export"
	"github.com/daloraclehub/dalcore/internal/mlservice"
	"github.com/daloraclehub/dalcore/internal/registry"
	"github.com/daloraclehub/dalcore/internal/store"
)

// Checkpoints is the narrow seam onto internal/store this package depends
// on for durable per-round phase tracking.
type Checkpoints interface {
	UpsertIterationCheckpoint(project string, round int, phase, workflowID, detail string) error
	GetIterationCheckpoint(project string, round int) (*store.IterationCheckpoint, error)
}

// Activities bundles every capability client the Iteration Engine's
// workflow drives through activities: the ML service, the Project
// Registry Client, the Voting-Results Exporter, and the durable
// checkpoint store.
type Activities struct {
	ML          mlservice.Client
	Registry    *registry.Client
	Exporter    *export.Exporter
	Checkpoints Checkpoints
	Bus         *eventbus.Bus
}

// voteSourceAdapter narrows *registry.Client to export.VoteSource without
// making internal/export depend on internal/registry's signing concerns.
type voteSourceAdapter struct{ reg *registry.Client }

func (v voteSourceAdapter) GetBatchVotes(ctx context.Context, projectID string, round int) ([]export.SampleVote, error) {
	records, err := v.reg.GetBatchVotes(ctx, projectID, round)
	if err != nil {
		return nil, err
	}
	out := make([]export.SampleVote, 0, len(records))
	for _, r := range records {
		out = append(out, export.SampleVote{
			SampleID:      r.SampleID,
			OriginalIndex: r.OriginalIndex,
			SampleData:    r.SampleData,
			Votes:         r.Votes,
			FinalLabel:    r.FinalLabel,
			Consensus:     r.Consensus,
			Timestamp:     r.Timestamp,
		})
	}
	return out, nil
}

// NewVoteSource exposes the adapter for wiring an Exporter against a
// registry Client without a package cycle.
func NewVoteSource(reg *registry.Client) export.VoteSource {
	return voteSourceAdapter{reg: reg}
}

// resultsSinkAdapter narrows mlservice.Client to export.ResultsSink so
// internal/export never imports the ML service's transport and
// resilience concerns.
type resultsSinkAdapter struct{ ml mlservice.Client }

func (r resultsSinkAdapter) PostVotingResults(ctx context.Context, projectID string, round int, votingResults json.RawMessage) error {
	return r.ml.PostVotingResults(ctx, mlservice.VotingResultsRequest{
		ProjectID:     projectID,
		Round:         round,
		VotingResults: votingResults,
	})
}

// NewResultsSink exposes the adapter for wiring an Exporter against an ML
// service client without a package cycle.
func NewResultsSink(ml mlservice.Client) export.ResultsSink {
	return resultsSinkAdapter{ml: ml}
}

// TrainAndQueryActivity runs the ML service's training+querying phase for
// a round and records the training checkpoint.
func (a *Activities) TrainAndQueryActivity(ctx context.Context, req IterationRequest) (TrainingOutcome, error) {
	resp, err := a.ML.StartIteration(ctx, mlservice.StartIterationRequest{
		Iteration: req.Round,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		return TrainingOutcome{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "ml service start_iteration")
	}
	if !resp.Success {
		return TrainingOutcome{}, apperrors.Permanent(fmt.Errorf("ml service reported failure for round %d", req.Round), "start_iteration")
	}

	samples := make([]QuerySample, 0, len(resp.Outputs.QuerySamples))
	for _, s := range resp.Outputs.QuerySamples {
		samples = append(samples, QuerySample{
			OriginalIndex: s.OriginalIndex,
			SampleID:      fmt.Sprintf("%s-r%d-%d", req.ProjectID, req.Round, s.OriginalIndex),
		})
	}
	outcome := TrainingOutcome{QuerySamples: samples, Accuracy: resp.Performance.Accuracy}

	detail, _ := json.Marshal(outcome)
	if err := a.Checkpoints.UpsertIterationCheckpoint(req.ProjectID, req.Round, string(PhaseQuerying), "", string(detail)); err != nil {
		return TrainingOutcome{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "checkpoint querying phase")
	}
	if a.Bus != nil {
		a.Bus.Publish(eventbus.TopicIterationState, req.ProjectID, map[string]any{"round": req.Round, "phase": PhaseQuerying})
	}
	return outcome, nil
}

// OpenVotingBatchActivity opens the on-chain voting batch for a round's
// query samples and checkpoints the voting phase.
func (a *Activities) OpenVotingBatchActivity(ctx context.Context, req IterationRequest, outcome TrainingOutcome) error {
	sampleIDs := make([]string, 0, len(outcome.QuerySamples))
	contentIDs := make([]string, 0, len(outcome.QuerySamples))
	originalIndices := make([]int, 0, len(outcome.QuerySamples))
	for _, s := range outcome.QuerySamples {
		sampleIDs = append(sampleIDs, s.SampleID)
		contentIDs = append(contentIDs, "") // the ML service, not the bundle, owns sample content in this phase
		originalIndices = append(originalIndices, s.OriginalIndex)
	}

	if err := a.Registry.StartVotingBatch(ctx, req.ProjectID, sampleIDs, contentIDs, originalIndices); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "open voting batch")
	}

	if err := a.Checkpoints.UpsertIterationCheckpoint(req.ProjectID, req.Round, string(PhaseVoting), "", ""); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "checkpoint voting phase")
	}
	if a.Bus != nil {
		a.Bus.Publish(eventbus.TopicIterationState, req.ProjectID, map[string]any{"round": req.Round, "phase": PhaseVoting})
		a.Bus.Publish(eventbus.TopicVotingProgress, req.ProjectID, map[string]any{"round": req.Round, "sampleCount": len(sampleIDs)})
	}
	return nil
}

// PollBatchStatusActivity reads the current on-chain voting batch state.
func (a *Activities) PollBatchStatusActivity(ctx context.Context, projectID string, round int) (registry.BatchStatus, error) {
	status, err := a.Registry.GetBatchStatus(ctx, projectID, round)
	if err != nil {
		return registry.BatchStatus{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "poll batch status")
	}
	if a.Bus != nil {
		a.Bus.Publish(eventbus.TopicVotingProgress, projectID, map[string]any{"round": round, "resolved": status.ResolvedCount, "total": status.SampleCount})
	}
	return status, nil
}

// ExportRoundActivity writes the canonical voting-results artifact for a
// resolved round, blocking advancement to "accumulating" until it returns.
func (a *Activities) ExportRoundActivity(ctx context.Context, projectID string, round int) (string, error) {
	path, err := a.Exporter.ExportRound(ctx, projectID, round)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "export voting results")
	}
	if err := a.Checkpoints.UpsertIterationCheckpoint(projectID, round, string(PhaseAccumulating), "", path); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "checkpoint accumulating phase")
	}
	return path, nil
}

// FinalizeRoundActivity bumps the on-chain round counter and checkpoints
// the round finalized, carrying the training performance for audit.
func (a *Activities) FinalizeRoundActivity(ctx context.Context, projectID string, round int, outcome TrainingOutcome) error {
	if err := a.Registry.BumpRound(ctx, projectID, round); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "bump round counter on-chain")
	}
	detail, _ := json.Marshal(outcome)
	if err := a.Checkpoints.UpsertIterationCheckpoint(projectID, round, string(PhaseFinalized), "", string(detail)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "checkpoint finalized phase")
	}
	if a.Bus != nil {
		a.Bus.Publish(eventbus.TopicIterationState, projectID, map[string]any{"round": round, "phase": PhaseFinalized})
	}
	return nil
}

// FinalTrainingActivity runs the terminal, query-free, vote-free training
// pass over all accumulated labels.
func (a *Activities) FinalTrainingActivity(ctx context.Context, req IterationRequest) (FinalTrainingOutcome, error) {
	resp, err := a.ML.FinalTraining(ctx, mlservice.FinalTrainingRequest{Iteration: req.Round, ProjectID: req.ProjectID})
	if err != nil {
		return FinalTrainingOutcome{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "ml service final_training")
	}
	if !resp.Success {
		return FinalTrainingOutcome{}, apperrors.Permanent(fmt.Errorf("final training reported failure"), "final_training")
	}

	outcome := FinalTrainingOutcome{Accuracy: resp.Performance.Accuracy, F1: resp.Performance.F1, Completed: true}
	detail, _ := json.Marshal(outcome)
	if err := a.Checkpoints.UpsertIterationCheckpoint(req.ProjectID, req.Round, string(PhaseFinalized), "", string(detail)); err != nil {
		return FinalTrainingOutcome{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "checkpoint final training")
	}
	if a.Bus != nil {
		a.Bus.Publish(eventbus.TopicIterationState, req.ProjectID, map[string]any{"round": req.Round, "phase": PhaseFinalized, "final": true})
	}
	return outcome, nil
}

package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/daloraclehub/dalcore/internal/registry"
)

const cancelSignalName = "iteration-cancel"

// IterationWorkflow implements the Iteration Engine's per-round state
// machine:
//
//  1. TRAINING      — TrainAndQueryActivity trains the model and surfaces
//     the round's active-learning query samples.
//  2. QUERYING      — implicit: the query samples produced by training are
//     the input to the voting phase, there is no separate activity.
//  3. VOTING        — OpenVotingBatchActivity opens the batch on-chain,
//     then the workflow polls batch status on a timer until every sample
//     resolves or the operator-configured voting timeout elapses.
//  4. ACCUMULATING  — ExportRoundActivity writes the canonical voting
//     results artifact; the round cannot finalize until this returns.
//  5. FINALIZED     — FinalizeRoundActivity bumps the on-chain round
//     counter and checkpoints the terminal state.
//
// A FinalTraining request skips querying/voting/accumulating entirely and
// runs only FinalTrainingActivity, since the terminal round trains on all
// accumulated labels with no further sample to query or vote on.
//
// Cancellation arrives cooperatively via the "iteration-cancel" signal and
// is only observed at phase boundaries, never mid-activity, so an
// in-flight external write is never left half-done.
func IterationWorkflow(ctx workflow.Context, req IterationRequest) error {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	cancelChan := workflow.GetSignalChannel(ctx, cancelSignalName)
	var cancelReq *CancelRequest
	checkCanceled := func() bool {
		for {
			var c CancelRequest
			ok := cancelChan.ReceiveAsync(&c)
			if !ok {
				return cancelReq != nil
			}
			cancelReq = &c
		}
	}

	if req.FinalTraining {
		logger.Info("running final training round", "ProjectID", req.ProjectID, "Round", req.Round)
		finalCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Minute,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
		})
		var outcome FinalTrainingOutcome
		if err := workflow.ExecuteActivity(finalCtx, a.FinalTrainingActivity, req).Get(ctx, &outcome); err != nil {
			return fmt.Errorf("final training failed: %w", err)
		}
		return nil
	}

	// ===== PHASE 1: TRAINING + QUERYING =====
	logger.Info("phase: training", "ProjectID", req.ProjectID, "Round", req.Round)
	trainCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	var training TrainingOutcome
	if err := workflow.ExecuteActivity(trainCtx, a.TrainAndQueryActivity, req).Get(ctx, &training); err != nil {
		return fmt.Errorf("training/querying failed: %w", err)
	}

	if checkCanceled() {
		return fmt.Errorf("iteration canceled during querying: %s", cancelReq.Reason)
	}

	// ===== PHASE 2: VOTING =====
	logger.Info("phase: voting", "ProjectID", req.ProjectID, "Round", req.Round, "Samples", len(training.QuerySamples))
	voteCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})
	if err := workflow.ExecuteActivity(voteCtx, a.OpenVotingBatchActivity, req, training).Get(ctx, nil); err != nil {
		return fmt.Errorf("opening voting batch failed: %w", err)
	}

	outcome, err := pollUntilResolved(ctx, a, req, len(training.QuerySamples))
	if err != nil {
		return err
	}

	if checkCanceled() {
		return fmt.Errorf("iteration canceled during voting: %s", cancelReq.Reason)
	}

	logger.Info("voting resolved", "ResolvedCount", outcome.ResolvedCount, "TimedOut", outcome.TimedOut)

	// ===== PHASE 3: ACCUMULATING =====
	logger.Info("phase: accumulating", "ProjectID", req.ProjectID, "Round", req.Round)
	exportCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})
	var outputPath string
	if err := workflow.ExecuteActivity(exportCtx, a.ExportRoundActivity, req.ProjectID, req.Round).Get(ctx, &outputPath); err != nil {
		return fmt.Errorf("exporting voting results failed: %w", err)
	}

	// ===== PHASE 4: FINALIZED =====
	logger.Info("phase: finalized", "ProjectID", req.ProjectID, "Round", req.Round, "OutputPath", outputPath)
	finalizeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})
	if err := workflow.ExecuteActivity(finalizeCtx, a.FinalizeRoundActivity, req.ProjectID, req.Round, training).Get(ctx, nil); err != nil {
		return fmt.Errorf("finalizing round failed: %w", err)
	}

	return nil
}

// pollUntilResolved polls batch status on req.PollInterval ticks until
// every query sample resolves or req.VotingTimeout elapses, whichever
// comes first. A zero PollInterval/VotingTimeout falls back to sane
// operator defaults.
func pollUntilResolved(ctx workflow.Context, a *Activities, req IterationRequest, sampleCount int) (VotingOutcome, error) {
	pollInterval := req.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	votingTimeout := req.VotingTimeout
	if votingTimeout <= 0 {
		votingTimeout = 24 * time.Hour
	}

	pollCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})

	deadline := workflow.Now(ctx).Add(votingTimeout)
	for {
		var status registry.BatchStatus
		if err := workflow.ExecuteActivity(pollCtx, a.PollBatchStatusActivity, req.ProjectID, req.Round).Get(ctx, &status); err != nil {
			return VotingOutcome{}, fmt.Errorf("polling batch status failed: %w", err)
		}
		if status.ResolvedCount >= sampleCount || !status.Open {
			return VotingOutcome{ResolvedCount: status.ResolvedCount, TimedOut: false}, nil
		}
		if !workflow.Now(ctx).Before(deadline) {
			return VotingOutcome{ResolvedCount: status.ResolvedCount, TimedOut: true}, nil
		}

		remaining := deadline.Sub(workflow.Now(ctx))
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := workflow.Sleep(ctx, wait); err != nil {
			return VotingOutcome{}, err
		}
	}
}

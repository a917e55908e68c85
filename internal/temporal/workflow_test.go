package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/daloraclehub/dalcore/internal/registry"
)

func TestIterationWorkflowRoundResolvesAndFinalizes(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	training := TrainingOutcome{
		QuerySamples: []QuerySample{{OriginalIndex: 0, SampleID: "p1-r1-0"}, {OriginalIndex: 1, SampleID: "p1-r1-1"}},
		Accuracy:     0.8,
	}
	env.OnActivity(a.TrainAndQueryActivity, mock.Anything, mock.Anything).Return(training, nil)
	env.OnActivity(a.OpenVotingBatchActivity, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.PollBatchStatusActivity, mock.Anything, mock.Anything, mock.Anything).
		Return(registry.BatchStatus{Round: 1, Open: false, SampleCount: 2, ResolvedCount: 2}, nil)
	env.OnActivity(a.ExportRoundActivity, mock.Anything, mock.Anything, mock.Anything).Return("/outputs/p1/round-1.json", nil)
	env.OnActivity(a.FinalizeRoundActivity, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(IterationWorkflow, IterationRequest{
		ProjectID:     "p1",
		Round:         1,
		VotingTimeout: time.Hour,
		PollInterval:  time.Second,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestIterationWorkflowPollsUntilResolved(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	training := TrainingOutcome{QuerySamples: []QuerySample{{OriginalIndex: 0, SampleID: "p1-r1-0"}}, Accuracy: 0.5}
	env.OnActivity(a.TrainAndQueryActivity, mock.Anything, mock.Anything).Return(training, nil)
	env.OnActivity(a.OpenVotingBatchActivity, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	calls := 0
	env.OnActivity(a.PollBatchStatusActivity, mock.Anything, mock.Anything, mock.Anything).
		Return(func(_ interface{}, _ string, _ int) (registry.BatchStatus, error) {
			calls++
			if calls < 3 {
				return registry.BatchStatus{Round: 1, Open: true, SampleCount: 1, ResolvedCount: 0}, nil
			}
			return registry.BatchStatus{Round: 1, Open: false, SampleCount: 1, ResolvedCount: 1}, nil
		})
	env.OnActivity(a.ExportRoundActivity, mock.Anything, mock.Anything, mock.Anything).Return("/outputs/p1/round-1.json", nil)
	env.OnActivity(a.FinalizeRoundActivity, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(IterationWorkflow, IterationRequest{
		ProjectID:     "p1",
		Round:         1,
		VotingTimeout: time.Hour,
		PollInterval:  time.Millisecond,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.GreaterOrEqual(t, calls, 3)
}

func TestIterationWorkflowVotingTimeoutStillExports(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	training := TrainingOutcome{QuerySamples: []QuerySample{{OriginalIndex: 0, SampleID: "p1-r1-0"}}, Accuracy: 0.5}
	env.OnActivity(a.TrainAndQueryActivity, mock.Anything, mock.Anything).Return(training, nil)
	env.OnActivity(a.OpenVotingBatchActivity, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.PollBatchStatusActivity, mock.Anything, mock.Anything, mock.Anything).
		Return(registry.BatchStatus{Round: 1, Open: true, SampleCount: 1, ResolvedCount: 0}, nil)
	env.OnActivity(a.ExportRoundActivity, mock.Anything, mock.Anything, mock.Anything).Return("/outputs/p1/round-1.json", nil)
	env.OnActivity(a.FinalizeRoundActivity, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(IterationWorkflow, IterationRequest{
		ProjectID:     "p1",
		Round:         1,
		VotingTimeout: time.Millisecond,
		PollInterval:  time.Millisecond,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
}

func TestIterationWorkflowFinalTrainingSkipsVoting(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.FinalTrainingActivity, mock.Anything, mock.Anything).
		Return(FinalTrainingOutcome{Accuracy: 0.95, F1: 0.9, Completed: true}, nil)

	env.ExecuteWorkflow(IterationWorkflow, IterationRequest{ProjectID: "p1", Round: 9, FinalTraining: true})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertNotCalled(t, "TrainAndQueryActivity", mock.Anything, mock.Anything)
}

func TestIterationWorkflowCancelSignalStopsBeforeVoting(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	training := TrainingOutcome{QuerySamples: []QuerySample{{OriginalIndex: 0, SampleID: "p1-r1-0"}}, Accuracy: 0.5}
	env.OnActivity(a.TrainAndQueryActivity, mock.Anything, mock.Anything).Return(training, nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(cancelSignalName, CancelRequest{Reason: "operator abort"})
	}, 0)

	env.ExecuteWorkflow(IterationWorkflow, IterationRequest{ProjectID: "p1", Round: 1})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	env.AssertNotCalled(t, "OpenVotingBatchActivity", mock.Anything, mock.Anything, mock.Anything)
}

// Package iteration is the Iteration Engine's external facade: it starts
// and signals the Temporal-backed per-round state machine defined in
// internal/temporal, enforcing the startIteration/startFinalTraining
// preconditions (coordinator authorization, project status, round
// sequencing, no iteration in flight) before a workflow ever starts.
package iteration

import (
	"context"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/configstore"
	"github.com/daloraclehub/dalcore/internal/identity"
	tmprl "github.com/daloraclehub/dalcore/internal/temporal"
)

// RoundSource reports the highest round number durably recorded for a
// project, letting the engine enforce "roundNumber == currentRound + 1"
// without depending on internal/store directly.
type RoundSource interface {
	GetLatestIterationRound(projectID string) (int, error)
}

// Engine starts and controls iteration rounds through Temporal.
type Engine struct {
	tc      client.Client
	configs *configstore.Store
	roles   *identity.Resolver
	rounds  RoundSource
	self    string // the identity this conductor instance operates as

	mu      sync.Mutex
	running map[string]bool // projectID -> a start call is in flight locally
}

// New constructs an Engine bound to an already-dialed Temporal client.
// self is the identity this conductor instance signs governance
// transactions as (cfg.Signer.Identity); StartRound and StartFinalTraining
// authorize against it as the would-be coordinator.
func New(tc client.Client, configs *configstore.Store, roles *identity.Resolver, rounds RoundSource, self string) *Engine {
	return &Engine{tc: tc, configs: configs, roles: roles, rounds: rounds, self: self, running: make(map[string]bool)}
}

func workflowID(projectID string) string {
	return fmt.Sprintf("iteration-%s", projectID)
}

// StartRound starts roundNumber for projectID: the `startIteration`
// contract. Rejects the call unless self is the project's coordinator,
// the project is deployed or active, and roundNumber is exactly one past
// the last durably recorded round.
func (e *Engine) StartRound(ctx context.Context, projectID string, roundNumber int, votingTimeout, pollInterval time.Duration) (client.WorkflowRun, error) {
	if err := e.checkPreconditions(projectID, roundNumber); err != nil {
		return nil, err
	}
	return e.start(ctx, tmprl.IterationRequest{
		ProjectID:     projectID,
		Round:         roundNumber,
		VotingTimeout: votingTimeout,
		PollInterval:  pollInterval,
	})
}

// StartFinalTraining starts the terminal, query/voting-free training round
// for projectID: the `startFinalTraining` contract. The round number is
// derived as currentRound+1; unlike StartRound, the caller never supplies
// one.
func (e *Engine) StartFinalTraining(ctx context.Context, projectID string) (client.WorkflowRun, error) {
	current, err := e.rounds.GetLatestIterationRound(projectID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read current round")
	}
	round := current + 1
	if err := e.checkPreconditions(projectID, round); err != nil {
		return nil, err
	}
	return e.start(ctx, tmprl.IterationRequest{
		ProjectID:     projectID,
		Round:         round,
		FinalTraining: true,
	})
}

// checkPreconditions enforces the three documented preconditions beyond
// "no iteration in flight", which start() itself still guards with
// WorkflowIDReusePolicy plus the local running map.
func (e *Engine) checkPreconditions(projectID string, roundNumber int) error {
	isCoordinator, err := e.roles.IsCoordinator(projectID, e.self)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "resolve coordinator role")
	}
	if !isCoordinator {
		return apperrors.PermissionDenied(fmt.Sprintf("identity %s is not the coordinator for project %s", e.self, projectID))
	}

	cfg, err := e.configs.Get(projectID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read project configuration")
	}
	if cfg.Status != configstore.StatusDeployed && cfg.Status != configstore.StatusActive {
		return apperrors.Conflict(fmt.Sprintf("project %s is %s, not deployed or active", projectID, cfg.Status))
	}

	current, err := e.rounds.GetLatestIterationRound(projectID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read current round")
	}
	if roundNumber != current+1 {
		return apperrors.Conflict(fmt.Sprintf("round %d is not the next round for project %s (current round %d)", roundNumber, projectID, current))
	}

	return nil
}

// start executes the workflow for req. Temporal rejects a start while a
// run with the same workflow ID (iteration-<projectId>) is still open,
// giving per-project iteration a single-writer guarantee, and
// ALLOW_DUPLICATE lets the next round reuse that ID once the prior run has
// closed. The local running map only rejects a second start from this
// process while the first start call is still in flight.
func (e *Engine) start(ctx context.Context, req tmprl.IterationRequest) (client.WorkflowRun, error) {
	e.mu.Lock()
	if e.running[req.ProjectID] {
		e.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("an iteration round is already starting for project %s", req.ProjectID))
	}
	e.running[req.ProjectID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, req.ProjectID)
		e.mu.Unlock()
	}()

	opts := client.StartWorkflowOptions{
		ID:                       workflowID(req.ProjectID),
		TaskQueue:                tmprl.TaskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 48 * time.Hour,
	}

	run, err := e.tc.ExecuteWorkflow(ctx, opts, tmprl.IterationWorkflow, req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "start iteration workflow")
	}
	return run, nil
}

// Cancel delivers a cooperative cancellation signal to the running round
// for projectID. The workflow observes it at the next phase boundary.
// Restricted to the project's coordinator, same as StartRound.
func (e *Engine) Cancel(ctx context.Context, projectID, reason string) error {
	isCoordinator, err := e.roles.IsCoordinator(projectID, e.self)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "resolve coordinator role")
	}
	if !isCoordinator {
		return apperrors.PermissionDenied(fmt.Sprintf("identity %s is not the coordinator for project %s", e.self, projectID))
	}

	if err := e.tc.SignalWorkflow(ctx, workflowID(projectID), "", "iteration-cancel", tmprl.CancelRequest{Reason: reason}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "signal iteration cancellation")
	}
	return nil
}

// AwaitResult blocks until the round's workflow execution completes.
func (e *Engine) AwaitResult(ctx context.Context, projectID string, runID string) error {
	run := e.tc.GetWorkflow(ctx, workflowID(projectID), runID)
	if err := run.Get(ctx, nil); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "await iteration workflow result")
	}
	return nil
}

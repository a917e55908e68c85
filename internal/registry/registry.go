// Package registry implements the Project Registry Client: the
// governance-layer capability consumer that reads project/membership state
// and writes signed transactions for project mutation, content-identifier
// publication, and auxiliary contract linking.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/identity"
	"github.com/daloraclehub/dalcore/internal/resilience"
	"github.com/daloraclehub/dalcore/internal/signer"
)

// ContentKind discriminates which content identifier a write targets.
type ContentKind string

const (
	ContentKindBundle   ContentKind = "bundle"
	ContentKindMetadata ContentKind = "metadata"
	ContentKindWorkflow ContentKind = "workflow"
)

// AuxiliaryKind discriminates the auxiliary contract types.
type AuxiliaryKind string

const (
	AuxiliaryVoting  AuxiliaryKind = "voting"
	AuxiliaryStorage AuxiliaryKind = "storage"
)

// Project mirrors the on-chain project record.
type Project struct {
	ProjectID    string
	Name         string
	Description  string
	Type         string // active-learning, federated-learning, general
	Creator      string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	Participants []identity.Participant
	JoinRequests []JoinRequest
}

// JoinRequest is a pending request to join a project with a requested role.
type JoinRequest struct {
	Identity     string
	RequestedRole identity.Role
	RequestedAt  time.Time
}

// Receipt is returned by a confirmed signed transaction.
type Receipt struct {
	BlockHeight int64
	Status      string
}

// BatchStatus is the on-chain voting batch state the iteration engine
// polls to decide whether the voting phase has resolved.
type BatchStatus struct {
	Round       int
	Open        bool
	SampleCount int
	ResolvedCount int
}

// SampleVoteRecord is one sample's finalized or in-progress voting state,
// read from the governance layer's per-sample vote distribution
// (getVotingDistribution) and normalized for internal/export.
type SampleVoteRecord struct {
	SampleID      string
	OriginalIndex int
	SampleData    []byte // opaque JSON, passed through verbatim
	Votes         map[string]string
	FinalLabel    *string
	Consensus     bool
	Timestamp     time.Time
}

// Governance is the capability interface for the blockchain-resident
// governance layer. A default HTTP+JSON implementation
// lives in httpclient.go; resilience wrapping happens in Client, not here.
type Governance interface {
	ListProjectAddresses(ctx context.Context) ([]string, error)
	ReadProjectRecord(ctx context.Context, address string) (Project, error)
	ReadParticipants(ctx context.Context, address string) ([]identity.Participant, error)
	ReadJoinRequests(ctx context.Context, address string) ([]JoinRequest, error)
	SubmitSignedTransaction(ctx context.Context, tx signer.SignedTransaction) (Receipt, error)
	ReadBatchStatus(ctx context.Context, address string, round int) (BatchStatus, error)
	ReadBatchVotes(ctx context.Context, address string, round int) ([]SampleVoteRecord, error)
}

// Client is the Project Registry Client: every write goes through the
// injected Signer, and every call is routed through internal/resilience
// for retry/circuit-breaker handling.
type Client struct {
	gov    Governance
	signer signer.Signer
	roles  *identity.Resolver
	caller *resilience.Caller

	endpoint   string
	readPolicy resilience.BackoffPolicy
	writePolicy resilience.BackoffPolicy
}

// New constructs a registry Client. endpoint names the breaker/metrics
// label used for calls made through gov (e.g. "governance-primary").
func New(gov Governance, sgr signer.Signer, roles *identity.Resolver, caller *resilience.Caller, endpoint string) *Client {
	return &Client{
		gov:         gov,
		signer:      sgr,
		roles:       roles,
		caller:      caller,
		endpoint:    endpoint,
		readPolicy:  resilience.DefaultReadPolicy(),
		writePolicy: resilience.DefaultWritePolicy(),
	}
}

// GetMembership implements identity.MembershipSource.
func (c *Client) GetMembership(projectID string) (identity.Membership, error) {
	proj, err := c.GetProject(context.Background(), projectID)
	if err != nil {
		return identity.Membership{}, err
	}
	return identity.Membership{Creator: proj.Creator, Participants: proj.Participants}, nil
}

// ListProjects returns every project the governance layer knows about.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var addresses []string
	err := c.caller.Do(ctx, c.endpoint, "list_projects", c.readPolicy, func(ctx context.Context) (int, error) {
		var innerErr error
		addresses, innerErr = c.gov.ListProjectAddresses(ctx)
		return statusFor(innerErr), innerErr
	})
	if err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(addresses))
	for _, addr := range addresses {
		p, err := c.GetProject(ctx, addr)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// GetProject reads a single project record, along with its participants
// and pending join requests, from the governance layer.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var proj Project
	err := c.caller.Do(ctx, c.endpoint, "get_project", c.readPolicy, func(ctx context.Context) (int, error) {
		var innerErr error
		proj, innerErr = c.gov.ReadProjectRecord(ctx, projectID)
		return statusFor(innerErr), innerErr
	})
	if err != nil {
		return Project{}, err
	}

	err = c.caller.Do(ctx, c.endpoint, "get_participants", c.readPolicy, func(ctx context.Context) (int, error) {
		participants, innerErr := c.gov.ReadParticipants(ctx, projectID)
		if innerErr == nil {
			proj.Participants = participants
		}
		return statusFor(innerErr), innerErr
	})
	if err != nil {
		return Project{}, err
	}

	err = c.caller.Do(ctx, c.endpoint, "get_join_requests", c.readPolicy, func(ctx context.Context) (int, error) {
		joinReqs, innerErr := c.gov.ReadJoinRequests(ctx, projectID)
		if innerErr == nil {
			proj.JoinRequests = joinReqs
		}
		return statusFor(innerErr), innerErr
	})
	if err != nil {
		return Project{}, err
	}

	return proj, nil
}

// CreateProject submits createProjectFromTemplate as a signed transaction.
// The caller must be authorized independent of role resolution (project
// does not exist yet) — the governance layer enforces template-level ACLs.
func (c *Client) CreateProject(ctx context.Context, templateID string, data map[string]any) (string, error) {
	args := []any{templateID, data}
	var projectID string
	err := c.submit(ctx, "", "createProjectFromTemplate", args, func(r Receipt) {
		projectID = fmt.Sprintf("%s:%s", r.Status, templateID)
	})
	return projectID, err
}

// UpdateProjectData writes new project data, authorized to the
// project's coordinator only.
func (c *Client) UpdateProjectData(ctx context.Context, projectID string, data map[string]any) error {
	if err := c.requireCoordinator(ctx, projectID); err != nil {
		return err
	}
	return c.submit(ctx, projectID, "updateProjectData", []any{projectID, data}, nil)
}

// SubmitJoinRequest lets any identity request to join with role.
func (c *Client) SubmitJoinRequest(ctx context.Context, projectID string, role identity.Role) error {
	return c.submit(ctx, projectID, "submitJoinRequest", []any{projectID, string(role)}, nil)
}

// ApproveJoinRequest accepts a pending join request; coordinator only.
func (c *Client) ApproveJoinRequest(ctx context.Context, projectID, requester string) error {
	if err := c.requireCoordinator(ctx, projectID); err != nil {
		return err
	}
	err := c.submit(ctx, projectID, "approveJoinRequest", []any{projectID, requester}, nil)
	if err == nil {
		c.roles.Invalidate(projectID)
	}
	return err
}

// RejectJoinRequest rejects a pending join request; coordinator only.
func (c *Client) RejectJoinRequest(ctx context.Context, projectID, requester string) error {
	if err := c.requireCoordinator(ctx, projectID); err != nil {
		return err
	}
	err := c.submit(ctx, projectID, "rejectJoinRequest", []any{projectID, requester}, nil)
	if err == nil {
		c.roles.Invalidate(projectID)
	}
	return err
}

// WriteContentIdentifier writes an immutable content identifier on-chain.
// Once confirmed, the identifier for (projectID, kind) must never change —
// callers (internal/deploy) are responsible for only calling this once per
// deploy per kind.
func (c *Client) WriteContentIdentifier(ctx context.Context, projectID string, identifier string, kind ContentKind) error {
	if err := c.requireCoordinator(ctx, projectID); err != nil {
		return err
	}
	return c.submit(ctx, projectID, "setContentIdentifier", []any{projectID, string(kind), identifier}, nil)
}

// LinkAuxiliaryContract links a voting or storage contract to the project.
func (c *Client) LinkAuxiliaryContract(ctx context.Context, projectID string, kind AuxiliaryKind, address string) error {
	if err := c.requireCoordinator(ctx, projectID); err != nil {
		return err
	}
	return c.submit(ctx, projectID, "setAuxiliaryContract", []any{projectID, string(kind), address}, nil)
}

// StartVotingBatch opens an on-chain voting batch for the given round.
func (c *Client) StartVotingBatch(ctx context.Context, projectID string, sampleIDs, contentIDs []string, originalIndices []int) error {
	if err := c.requireCoordinator(ctx, projectID); err != nil {
		return err
	}
	return c.submit(ctx, projectID, "startVotingBatch", []any{sampleIDs, contentIDs, originalIndices}, nil)
}

// GetBatchStatus reads the on-chain status for a round's voting batch.
func (c *Client) GetBatchStatus(ctx context.Context, projectID string, round int) (BatchStatus, error) {
	var status BatchStatus
	err := c.caller.Do(ctx, c.endpoint, "get_batch_status", c.readPolicy, func(ctx context.Context) (int, error) {
		var innerErr error
		status, innerErr = c.gov.ReadBatchStatus(ctx, projectID, round)
		return statusFor(innerErr), innerErr
	})
	return status, err
}

// GetBatchVotes reads every sample's current vote distribution for a
// round's voting batch, used by internal/export to assemble the
// VotingResultArtifact.
func (c *Client) GetBatchVotes(ctx context.Context, projectID string, round int) ([]SampleVoteRecord, error) {
	var votes []SampleVoteRecord
	err := c.caller.Do(ctx, c.endpoint, "get_batch_votes", c.readPolicy, func(ctx context.Context) (int, error) {
		var innerErr error
		votes, innerErr = c.gov.ReadBatchVotes(ctx, projectID, round)
		return statusFor(innerErr), innerErr
	})
	return votes, err
}

// SubmitBatchVote casts sample votes for an open round as a signed
// transaction. Any identity with contributor role or above may vote.
func (c *Client) SubmitBatchVote(ctx context.Context, projectID string, sampleIDs []string, labels []string) error {
	return c.submit(ctx, projectID, "submitBatchVote", []any{sampleIDs, labels}, nil)
}

// BumpRound advances the on-chain iteration round counter once a round's
// results are finalized and exported.
func (c *Client) BumpRound(ctx context.Context, projectID string, round int) error {
	return c.submit(ctx, projectID, "bumpRoundCounter", []any{projectID, round}, nil)
}

func (c *Client) requireCoordinator(ctx context.Context, projectID string) error {
	ok, err := c.roles.IsCoordinator(projectID, c.signer.Identity())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.PermissionDenied(fmt.Sprintf("identity %s is not coordinator for project %s", c.signer.Identity(), projectID))
	}
	return nil
}

// submit signs and submits a transaction through the resilience caller's
// write policy, optionally feeding the confirmed receipt to onConfirm.
func (c *Client) submit(ctx context.Context, projectID, method string, args []any, onConfirm func(Receipt)) error {
	tx, err := c.signer.Sign(ctx, projectID, method, args)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "signing transaction")
	}

	var receipt Receipt
	err = c.caller.Do(ctx, c.endpoint, method, c.writePolicy, func(ctx context.Context) (int, error) {
		var innerErr error
		receipt, innerErr = c.gov.SubmitSignedTransaction(ctx, tx)
		return statusFor(innerErr), innerErr
	})
	if err != nil {
		return err
	}
	if onConfirm != nil {
		onConfirm(receipt)
	}
	return nil
}

// statusFor maps an error into the pseudo-HTTP status resilience.Classify
// expects: nil is 200, a Permanent or InvalidInput *apperrors.AppError is
// 422 (classified Permanent, not retried), and every other error is 502
// (classified Transient and retried).
func statusFor(err error) int {
	if err == nil {
		return 200
	}
	if apperrors.IsType(err, apperrors.ErrorTypePermanent) || apperrors.IsType(err, apperrors.ErrorTypeInvalidInput) {
		return 422
	}
	return 502
}

// Package export implements the Voting-Results Exporter: it reads
// finalized votes for a round's batch from the governance layer,
// normalizes them into the canonical VotingResultArtifact schema, and
// delivers exactly one artifact per (projectId, roundNumber) to the ML
// service via its documented write path, idempotently.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/store"
)

// Artifact is one row of the canonical VotingResultArtifact schema,
// in stable key order.
type Artifact struct {
	OriginalIndex int               `json:"original_index"`
	FinalLabel    *string           `json:"final_label"`
	SampleData    json.RawMessage   `json:"sample_data"`
	Votes         map[string]string `json:"votes"`
	Consensus     bool              `json:"consensus"`
	Timestamp     string            `json:"timestamp"` // ISO-8601 UTC
}

// VoteSource is the subset of the Project Registry Client export needs:
// reading every sample's vote distribution for a round's batch.
type VoteSource interface {
	GetBatchVotes(ctx context.Context, projectID string, round int) ([]SampleVote, error)
}

// SampleVote mirrors registry.SampleVoteRecord without importing the
// registry package directly, keeping export decoupled from the governance
// client's transaction-signing concerns.
type SampleVote struct {
	SampleID      string
	OriginalIndex int
	SampleData    []byte
	Votes         map[string]string
	FinalLabel    *string
	Consensus     bool
	Timestamp     time.Time
}

// ResultsSink is the subset of the ML service capability client the
// exporter needs: delivering the canonical artifact for a round through
// the documented POST /api/voting-results write path. The ML service
// persists the file under its own output directory; this package never
// touches that directory directly.
type ResultsSink interface {
	PostVotingResults(ctx context.Context, projectID string, round int, votingResults json.RawMessage) error
}

// Records tracks per-export bookkeeping; a thin seam over internal/store
// so exporter logic is testable without a real sqlite file. GetLatestExportRecord's
// Payload field carries the last successfully posted artifact set, letting a
// resumed export compute its superset merge locally instead of reading
// back from the ML service, which owns the file once posted.
type Records interface {
	InsertExportRecord(project string, round int, outputRef string) (int64, error)
	CompleteExportRecord(id int64, checksum, payload string) error
	FailExportRecord(id int64) error
	GetLatestExportRecord(project string, round int) (*store.ExportRecord, error)
}

// Exporter assembles and delivers VotingResultArtifact sets for finalized
// rounds.
type Exporter struct {
	votes   VoteSource
	sink    ResultsSink
	records Records
	bus     *eventbus.Bus
}

// New constructs an Exporter.
func New(votes VoteSource, sink ResultsSink, records Records, bus *eventbus.Bus) *Exporter {
	return &Exporter{votes: votes, sink: sink, records: records, bus: bus}
}

// ExportRound reads every vote for (projectID, round), normalizes and
// sorts them, merges them against the last posted set so a finalized label
// is never dropped by a governance read hiccup, and posts the result to
// the ML service. A repeat call with unchanged inputs posts a
// byte-identical payload; a repeat call with additional finalizations (a
// strict superset) posts the merged set.
func (e *Exporter) ExportRound(ctx context.Context, projectID string, round int) (string, error) {
	votes, err := e.votes.GetBatchVotes(ctx, projectID, round)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "read batch votes for %s round %d", projectID, round)
	}

	artifacts := normalize(votes)

	outputRef := fmt.Sprintf("%s/round-%d", projectID, round)

	prior, err := e.records.GetLatestExportRecord(projectID, round)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read prior export record")
	}
	if prior != nil && prior.State == "written" && prior.Payload != "" {
		var existing []Artifact
		if err := json.Unmarshal([]byte(prior.Payload), &existing); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "decode prior export payload")
		}
		merged, changed := mergeSuperset(existing, artifacts)
		if !changed {
			return outputRef, nil
		}
		artifacts = merged
	}

	data, err := canonicalMarshal(artifacts)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "marshal voting results artifact")
	}
	checksum := sha256Hex(data)

	recordID, err := e.records.InsertExportRecord(projectID, round, outputRef)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "insert export record")
	}

	if err := e.sink.PostVotingResults(ctx, projectID, round, json.RawMessage(data)); err != nil {
		_ = e.records.FailExportRecord(recordID)
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "post voting results to ml service")
	}

	if err := e.records.CompleteExportRecord(recordID, checksum, string(data)); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "complete export record")
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicExportCompleted, projectID, map[string]any{
			"round":     round,
			"outputRef": outputRef,
			"checksum":  checksum,
			"samples":   len(artifacts),
		})
	}

	return outputRef, nil
}

// normalize converts governance vote records into the canonical artifact
// shape, sorted by original_index for stable ordering.
func normalize(votes []SampleVote) []Artifact {
	out := make([]Artifact, 0, len(votes))
	for _, v := range votes {
		sampleData := v.SampleData
		if sampleData == nil {
			sampleData = []byte("null")
		}
		votesCopy := make(map[string]string, len(v.Votes))
		for voter, label := range v.Votes {
			votesCopy[voter] = label
		}
		out = append(out, Artifact{
			OriginalIndex: v.OriginalIndex,
			FinalLabel:    v.FinalLabel,
			SampleData:    sampleData,
			Votes:         votesCopy,
			Consensus:     v.Consensus,
			Timestamp:     v.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalIndex < out[j].OriginalIndex })
	return out
}

// mergeSuperset combines a prior export with freshly read votes. The
// result only ever grows: a sample once written with consensus true is
// never removed or reverted by a later read that temporarily omits it
// (a governance read hiccup must never regress a finalized label).
func mergeSuperset(prior, fresh []Artifact) ([]Artifact, bool) {
	byIndex := make(map[int]Artifact, len(prior)+len(fresh))
	for _, a := range prior {
		byIndex[a.OriginalIndex] = a
	}

	changed := false
	for _, a := range fresh {
		existing, ok := byIndex[a.OriginalIndex]
		if !ok {
			byIndex[a.OriginalIndex] = a
			changed = true
			continue
		}
		if !existing.Consensus && a.Consensus {
			byIndex[a.OriginalIndex] = a
			changed = true
		}
	}

	merged := make([]Artifact, 0, len(byIndex))
	for _, a := range byIndex {
		merged = append(merged, a)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].OriginalIndex < merged[j].OriginalIndex })
	return merged, changed
}

func canonicalMarshal(artifacts []Artifact) ([]byte, error) {
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return json.MarshalIndent(artifacts, "", "  ")
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

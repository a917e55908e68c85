package temporal

import "time"

// IterationRequest starts one round of the Iteration Engine for a
// project. FinalTraining distinguishes the terminal round: no query
// or voting phase, just a last training pass over all accumulated labels.
type IterationRequest struct {
	ProjectID     string        `json:"project_id"`
	Round         int           `json:"round"`
	FinalTraining bool          `json:"final_training"`
	VotingTimeout time.Duration `json:"voting_timeout"` // operator-configured batch timeout
	PollInterval  time.Duration `json:"poll_interval"`  // how often to poll batch status
}

// IterationPhase names the durable checkpoint stages.
type IterationPhase string

const (
	PhaseTraining     IterationPhase = "training"
	PhaseQuerying     IterationPhase = "querying"
	PhaseVoting       IterationPhase = "voting"
	PhaseAccumulating IterationPhase = "accumulating"
	PhaseFinalized    IterationPhase = "finalized"
)

// TrainingOutcome is the durable result of the training+querying phase,
// carried forward to the voting phase.
type TrainingOutcome struct {
	QuerySamples []QuerySample `json:"query_samples"`
	Accuracy     float64       `json:"accuracy"`
}

// QuerySample is one sample surfaced by the active-learning query
// strategy, keyed by its stable original index so votes and exported
// artifacts can always be joined back to the source dataset row.
type QuerySample struct {
	OriginalIndex int    `json:"original_index"`
	SampleID      string `json:"sample_id"`
}

// VotingOutcome records how the voting phase resolved: every sample
// either reached quorum consensus or timed out without one.
type VotingOutcome struct {
	ResolvedCount int  `json:"resolved_count"`
	TimedOut      bool `json:"timed_out"`
}

// FinalTrainingOutcome is the terminal training-only result.
type FinalTrainingOutcome struct {
	Accuracy  float64 `json:"accuracy"`
	F1        float64 `json:"f1"`
	Completed bool    `json:"completed"`
}

// CancelRequest is delivered via the "iteration-cancel" signal. Cancellation
// is cooperative — the workflow checks for it only after training returns
// and after the voting phase resolves, never while an activity or the
// voting poll loop is running, preserving at-most-once semantics for
// external writes.
type CancelRequest struct {
	Reason string `json:"reason"`
}

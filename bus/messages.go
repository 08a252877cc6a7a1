package bus

import (
	"encoding/json"
	"fmt"

	"github.com/relengtools/autoland/bugzilla"
)

// Result types.
const (
	TypeSuccess  = "SUCCESS"
	TypeError    = "ERROR"
	TypeFailure  = "FAILURE"
	TypeTimedOut = "TIMED_OUT"
)

// Result actions.
const (
	ActionTryPush       = "TRY.PUSH"
	ActionBranchPush    = "BRANCH.PUSH"
	ActionPatchsetApply = "PATCHSET.APPLY"
	ActionTryRun        = "TRY.RUN"
	ActionBranchRun     = "BRANCH.RUN"
)

// Job is an apply job for one (patchset, branch) pair, consumed by the
// pushers.
type Job struct {
	JobType    string           `json:"job_type"`
	BugID      int              `json:"bug_id"`
	Branch     string           `json:"branch"`
	BranchURL  string           `json:"branch_url"`
	PushURL    string           `json:"push_url"`
	User       string           `json:"user"`
	TryRun     bool             `json:"try_run"`
	ToBranch   bool             `json:"to_branch"`
	TrySyntax  string           `json:"try_syntax"`
	PatchsetID int64            `json:"patchsetid"`
	Patches    []bugzilla.Patch `json:"patches"`
}

// Result reports the outcome of a push attempt or a classified run
// back to the orchestrator. Type is SUCCESS/ERROR for push replies and
// the terminal status (SUCCESS/FAILURE/TIMED_OUT) for run outcomes.
type Result struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	BugID      int    `json:"bug_id"`
	PatchsetID int64  `json:"patchsetid,omitempty"`
	Revision   string `json:"revision,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// DecodeJob extracts an apply job from an envelope.
func DecodeJob(env Envelope) (*Job, error) {
	var job Job
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.JobType != "patchset" {
		return nil, fmt.Errorf("decode job: unknown job_type %q", job.JobType)
	}
	return &job, nil
}

// DecodeResult extracts a result from an envelope.
func DecodeResult(env Envelope) (*Result, error) {
	var result Result
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if result.Type == "" {
		return nil, fmt.Errorf("decode result: missing type")
	}
	return &result, nil
}

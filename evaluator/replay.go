package evaluator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ReplayCall is one recorded external call (LLM or tool) within a Step,
// sufficient to reproduce its outcome deterministically (§3 ReplayBundle,
// §5: "Replay bundles record, per step: prompt text, tool inputs, tool
// outputs, diff produced, evaluator output, failure trace").
type ReplayCall struct {
	StepID        string
	Kind          string // "llm" | "tool"
	Name          string // model name or tool name
	Input         string
	Output        string
	DiffProduced  string
	EvaluatorOut  string
	FailureTrace  string
	StartedAt     string // excluded from the replay hash (tolerance set)
	FinishedAt    string // excluded
	WorkerID      string // excluded
	LeaseExpiresAt string // excluded
}

// ReplayBundle is the deterministic record of every external call in a
// Run, written only on terminal failure to bound storage (§5, I6).
type ReplayBundle struct {
	RunID string
	Calls []ReplayCall
}

// hashableCall is ReplayCall stripped of the declared tolerance set
// (started_at, finished_at, worker_id, lease_expires_at) per the
// open-question decision in SPEC_FULL.md §6: the source spec documents
// determinism as "timestamp-tolerant" without enumerating the tolerated
// fields, so this core pins it down exactly here rather than leaving it
// ambiguous.
type hashableCall struct {
	StepID       string
	Kind         string
	Name         string
	Input        string
	Output       string
	DiffProduced string
	EvaluatorOut string
	FailureTrace string
}

func (b ReplayBundle) hashableCalls() []hashableCall {
	out := make([]hashableCall, len(b.Calls))
	for i, c := range b.Calls {
		out[i] = hashableCall{
			StepID:       c.StepID,
			Kind:         c.Kind,
			Name:         c.Name,
			Input:        c.Input,
			Output:       c.Output,
			DiffProduced: c.DiffProduced,
			EvaluatorOut: c.EvaluatorOut,
			FailureTrace: c.FailureTrace,
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Hash computes the sha256 of the bundle's content excluding the declared
// timestamp/worker tolerance set (started_at, finished_at, worker_id,
// lease_expires_at), per L2: "re-running the bundle in deterministic
// mode MUST reproduce the same outputs modulo timestamps."
func (b ReplayBundle) Hash() (string, error) {
	data, err := json.Marshal(b.hashableCalls())
	if err != nil {
		return "", fmt.Errorf("replay: marshal bundle for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Replayer invokes a bundle's recorded calls against a deterministic
// (stubbed, not live) provider and reports whether the bundle hash,
// recomputed with each call's Output replaced by the replayed output,
// matches the original (L2). The other recorded fields of a call (diff,
// evaluator output, failure trace) are carried over unchanged, not
// re-derived.
type Replayer struct {
	// Invoke replays one call deterministically (e.g. a cached/stubbed
	// LLM response keyed by input) and returns the output it produces.
	Invoke func(call ReplayCall) (output string, err error)
}

// Replay re-runs every call in the bundle and reports whether the
// resulting bundle's hash matches the original — the core of L2's
// round-trip law. replayedOK is true when the two hashes are equal.
func (r *Replayer) Replay(original ReplayBundle) (replayedOK bool, reproducedHash string, err error) {
	reproduced := ReplayBundle{RunID: original.RunID, Calls: make([]ReplayCall, len(original.Calls))}
	for i, call := range original.Calls {
		out, ierr := r.Invoke(call)
		if ierr != nil {
			return false, "", fmt.Errorf("replay: invoke call %d: %w", i, ierr)
		}
		replayed := call
		replayed.Output = out
		reproduced.Calls[i] = replayed
	}

	originalHash, err := original.Hash()
	if err != nil {
		return false, "", err
	}
	reproducedHash, err = reproduced.Hash()
	if err != nil {
		return false, "", err
	}
	return originalHash == reproducedHash, reproducedHash, nil
}

// BuildFailureReplayBundle assembles the bundle owed for a failed
// terminal Run, satisfying I6 ("A ReplayBundle exists for every failed
// terminal Run").
func BuildFailureReplayBundle(runID string, calls []ReplayCall) ReplayBundle {
	return ReplayBundle{RunID: runID, Calls: calls}
}

package orchestrator

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/youareridiculous/metabuilder/core"
	"github.com/youareridiculous/metabuilder/resilience"
)

// Action is the closed set of ladder decisions (Design Notes §9: "the
// ladder is a pure function (Failure, History) -> Action where Action ∈
// {Retry(backoff), Patch(scope), Replan(modules), Rollback(reason),
// Fail(reason)}").
type Action struct {
	Phase   core.RepairPhase
	Reason  string
	// Retry
	RetryConfig resilience.ClassRetryConfig
	// Patch
	WriteAllowlist []string
	// Replan
	ImpactedModules []string
	// Terminal
	Fail bool
}

// History is everything about a Run's prior repair attempts the ladder
// needs to decide the next action: it never re-reads storage itself
// (Design Notes §9's "pure function").
type History struct {
	ConsecutivePatchFailures int
	PriorRepairIterations    int // at the current model tier, for scheduler tier escalation
	LastGreenArtifacts       []core.Artifact
}

// maxPatchBytes bounds AutoFixer's constrained diff per §4.4's Patch
// phase.
const maxPatchBytes = 64 * 1024

// denyListedPathPrefixes are paths AutoFixer's patch must never touch
// (§4.4: "no changes to deny-listed paths (secrets, CI tokens, deploy
// manifests)").
var denyListedPathPrefixes = []string{
	".env", "secrets/", ".github/workflows/", "deploy/", "infra/",
}

// Decide applies the §4.4 repair ladder in order — Retry, Patch, Replan,
// Rollback — to the highest-priority pending Failure (highest confidence,
// ties broken by earliest step id, per §4.4 "Ordering and tie-breaks").
// Budget gating happens at dispatch time (scheduler.BudgetTracker) and
// circuit gating in the orchestrator's Retry phase; Decide only encodes
// which phase a given Failure routes to.
func Decide(failures []core.Failure, stepIDs map[string]string, hist History) Action {
	f, ok := pickPriority(failures, stepIDs)
	if !ok {
		return Action{Phase: core.PhaseRetry, Fail: true, Reason: "no pending failures"}
	}

	switch {
	case f.Class == core.FailureSecurity || f.Class == core.FailurePolicy:
		return Action{Phase: core.PhaseRollback, Reason: "failure class " + string(f.Class) + " is never auto-recovered"}

	case isRetryable(f):
		cfg, _ := resilience.Retryable(f.Class)
		return Action{Phase: core.PhaseRetry, RetryConfig: cfg, Reason: "retryable transient condition"}

	case isPatchable(f):
		if hist.ConsecutivePatchFailures >= 2 {
			return Action{Phase: core.PhaseReplan, Reason: "two consecutive patch attempts failed"}
		}
		return Action{
			Phase:          core.PhasePatch,
			WriteAllowlist: nil, // populated by caller from the Step's declared allowlist
			Reason:         "patchable class " + string(f.Class),
		}

	case f.Class == core.FailureRuntime || f.Class == core.FailureUnknown:
		cfg, _ := resilience.Retryable(f.Class)
		if hist.ConsecutivePatchFailures == 0 && cfg.MaxRetries > 0 {
			return Action{Phase: core.PhaseRetry, RetryConfig: cfg, Reason: "small retry budget before replan"}
		}
		if f.RequiresReplan || f.Class == core.FailureRuntime {
			return Action{Phase: core.PhaseReplan, ImpactedModules: nil, Reason: "runtime/unknown failure indicates architectural breakage"}
		}
		return Action{Phase: core.PhaseReplan, Reason: "exhausted small retry budget"}

	default:
		return Action{Phase: core.PhaseRollback, Reason: "unclassified non-recoverable condition", Fail: true}
	}
}

func isRetryable(f core.Failure) bool {
	switch f.Class {
	case core.FailureTransient, core.FailureRateLimit, core.FailureInfra:
		return f.Retryable
	default:
		return false
	}
}

func isPatchable(f core.Failure) bool {
	switch f.Class {
	case core.FailureLint, core.FailureTypeCheck, core.FailureTestAssert, core.FailureSchemaMigration:
		return true
	default:
		return false
	}
}

// pickPriority selects the Failure with highest confidence, breaking ties
// by earliest step id (§4.4: "Failures with higher confidence are
// addressed first; ties broken by earliest step_id").
func pickPriority(failures []core.Failure, stepIDs map[string]string) (core.Failure, bool) {
	if len(failures) == 0 {
		return core.Failure{}, false
	}
	sorted := append([]core.Failure(nil), failures...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].StepID < sorted[j].StepID
	})
	return sorted[0], true
}

// ValidatePatch enforces §4.4's Patch-phase constraints: bounded size, no
// binary hunks, no deny-listed paths, write allowlist respected.
func ValidatePatch(diff []byte, touchedPaths, writeAllowlist []string) error {
	if len(diff) > maxPatchBytes {
		return fmt.Errorf("orchestrator: patch exceeds max_patch_bytes (%d > %d)", len(diff), maxPatchBytes)
	}
	for _, line := range bytes.Split(diff, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("GIT binary patch")) || bytes.HasPrefix(line, []byte("Binary files ")) {
			return fmt.Errorf("orchestrator: patch contains a binary hunk")
		}
	}
	allowed := make(map[string]bool, len(writeAllowlist))
	for _, p := range writeAllowlist {
		allowed[p] = true
	}
	for _, p := range touchedPaths {
		for _, deny := range denyListedPathPrefixes {
			if hasPrefix(p, deny) {
				return fmt.Errorf("orchestrator: patch touches deny-listed path %q", p)
			}
		}
		if len(writeAllowlist) > 0 && !allowed[p] {
			return fmt.Errorf("orchestrator: patch touches path %q outside write allowlist", p)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

package core

import "time"

// RunState is the closed set of states a Run may occupy (§4.4). No open
// extension — new states are a spec change, not a runtime registration.
type RunState string

const (
	RunDraft                  RunState = "draft"
	RunPlanning               RunState = "planning"
	RunDesigning              RunState = "designing"
	RunGenerating             RunState = "generating"
	RunEvaluating             RunState = "evaluating"
	RunRepairing              RunState = "repairing"
	RunRollingBack            RunState = "rolling_back"
	RunPausedAwaitingApproval RunState = "paused_awaiting_approval"
	RunSucceeded              RunState = "succeeded"
	RunFailed                 RunState = "failed"
	RunCancelled              RunState = "cancelled"
)

// Terminal reports whether s is one of the three terminal states (I3).
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// SLAClass drives scheduling tier selection (§4.3).
type SLAClass string

const (
	SLAFast     SLAClass = "fast"
	SLANormal   SLAClass = "normal"
	SLAThorough SLAClass = "thorough"
)

// CanaryGroup is the A/B assignment for canary comparison (§4.5).
type CanaryGroup string

const (
	CanaryControl      CanaryGroup = "control"
	CanaryExperimental CanaryGroup = "experimental"
)

// ModelTier is the cost/quality tier selected by the Scheduler (§4.3).
type ModelTier string

const (
	TierSmall  ModelTier = "small"
	TierMedium ModelTier = "medium"
	TierLarge  ModelTier = "large"
)

// FailureClass is the closed error taxonomy the core distinguishes (§7).
type FailureClass string

const (
	FailureTransient       FailureClass = "Transient"
	FailureInfra           FailureClass = "Infra"
	FailureTestAssert      FailureClass = "TestAssert"
	FailureLint            FailureClass = "Lint"
	FailureTypeCheck       FailureClass = "TypeCheck"
	FailureSecurity        FailureClass = "Security"
	FailurePolicy          FailureClass = "Policy"
	FailureRuntime         FailureClass = "Runtime"
	FailureSchemaMigration FailureClass = "SchemaMigration"
	FailureRateLimit       FailureClass = "RateLimit"
	FailureUnknown         FailureClass = "Unknown"
)

// RepairPhase is the fixed ladder order (§4.4, Design Notes §9).
type RepairPhase string

const (
	PhaseRetry    RepairPhase = "retry"
	PhasePatch    RepairPhase = "patch"
	PhaseReplan   RepairPhase = "replan"
	PhaseRollback RepairPhase = "rollback"
)

// StepState is the closed set of Step lifecycle states (§3).
type StepState string

const (
	StepQueued    StepState = "queued"
	StepLeased    StepState = "leased"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// AgentRole is the fixed 8-role catalogue (§4.2). Closed tagged variant —
// no string-keyed dynamic registration at the hot path (Design Notes §9).
type AgentRole string

const (
	RoleProductArchitect   AgentRole = "ProductArchitect"
	RoleSystemDesigner     AgentRole = "SystemDesigner"
	RoleSecurityCompliance AgentRole = "SecurityCompliance"
	RoleCodegenEngineer    AgentRole = "CodegenEngineer"
	RoleQAEvaluator        AgentRole = "QAEvaluator"
	RoleAutoFixer          AgentRole = "AutoFixer"
	RoleDevOps             AgentRole = "DevOps"
	RoleReviewer           AgentRole = "Reviewer"
)

// QueueClass names one of the five independently scaled typed queues
// (§4.1).
type QueueClass string

const (
	QueueCPU  QueueClass = "cpu"
	QueueIO   QueueClass = "io"
	QueueLLM  QueueClass = "llm"
	QueueHigh QueueClass = "high"
	QueueLow  QueueClass = "low"
)

// ArtifactKind enumerates the terminal artifacts a Run may produce (§3).
type ArtifactKind string

const (
	ArtifactPlan         ArtifactKind = "plan"
	ArtifactDiff         ArtifactKind = "diff"
	ArtifactEvalReport   ArtifactKind = "eval_report"
	ArtifactBundleZip    ArtifactKind = "bundle_zip"
	ArtifactPRBody       ArtifactKind = "pr_body"
	ArtifactReplayBundle ArtifactKind = "replay_bundle"
)

// ApprovalDecision is the closed set of gate decisions (§3).
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// CircuitState is the monotonic per-cooldown-cycle breaker state (I5).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Limits bounds a Spec's allowed consumption.
type Limits struct {
	MaxIters    int
	TokenBudget int64
	CostLimitUSD float64
	WallTime    time.Duration
}

// Spec is immutable once a Run starts (§3).
type Spec struct {
	ID             string
	Tenant         string
	Source         string // freeform text | structured DSL | imported ERD/OpenAPI/CSV
	Limits         Limits
	ReviewRequired bool
	SLAClass       SLAClass
	KPIGuards      KPIGuards
	AcceptanceCriteria []Criterion
}

// KPIGuards are the scoring thresholds a Spec may declare (§4.5).
type KPIGuards struct {
	PassRateMin  float64 `yaml:"pass_rate_min"`
	P95LatencyMaxMS int64 `yaml:"p95_latency_max_ms"`
	CostMaxUSD   float64 `yaml:"cost_max_usd"`
}

// CostUsage tracks spend in both token and currency terms.
type CostUsage struct {
	Tokens    int64
	CostUSD   float64
}

// Run mutates only through the state machine (§3, §4.4).
type Run struct {
	ID             string
	SpecID         string
	State          RunState
	Iteration      int
	CostUsed       CostUsage
	TimeUsed       time.Duration
	CreatedAt      time.Time
	TerminalReason string
	CanaryGroup    CanaryGroup
}

// Step is one agent invocation (§3).
type Step struct {
	ID             string
	RunID          string
	Iteration      int
	AgentRole      AgentRole
	IdempotencyKey string
	State          StepState
	InputDigest    string
	OutputRef      string
	Attempts       int
	LeaseExpiresAt time.Time
	WorkerID       string
	SpanStart      time.Time
	SpanEnd        time.Time
	Tokens         int64
	CostUSD        float64
}

// Failure is 1..N per failed Step (§3).
type Failure struct {
	ID              string
	StepID          string
	Class           FailureClass
	Confidence      float64
	LogExcerpt      string
	Retryable       bool
	RequiresReplan  bool
	RequiresHuman   bool
}

// RepairAttempt records one ladder action taken against a Failure (§3).
type RepairAttempt struct {
	ID            string
	RunID         string
	FailureID     string
	Phase         RepairPhase
	Strategy      string
	Outcome       string
	BackoffUsedMS int64
	DiffRef       string
}

// Artifact is immutable; new versions get new rows (§3).
type Artifact struct {
	ID         string
	RunID      string
	Kind       ArtifactKind
	StorageRef string
	SHA256     string
	Bytes      int64
}

// ApprovalGate is created when policy demands human sign-off (§3).
type ApprovalGate struct {
	ID           string
	RunID        string
	Reason       string
	RequiredRole string
	Decision     ApprovalDecision
	Decider      string
	DecidedAt    time.Time

	TypedConfirmationRequired bool
	TypedConfirmationToken    string
	TypedConfirmationExpires  time.Time
}

// Budget is per-run consumption and limits (§3).
type Budget struct {
	RunID        string
	CostLimitUSD float64
	CostUsedUSD  float64
	TimeLimitS   int64
	TimeUsedS    int64
	AttemptLimit int
	AttemptUsed  int
	ExceededAt   *time.Time
}

// Exceeded reports whether cost or attempt budget has been breached (I4).
func (b *Budget) Exceeded() bool {
	return b.CostUsedUSD > b.CostLimitUSD || b.AttemptUsed > b.AttemptLimit
}

// CircuitBreakerState is the persisted row per (tenant, failure_class)
// (§3).
type CircuitBreakerState struct {
	Tenant        string
	Class         FailureClass
	State         CircuitState
	FailCount     int
	Threshold     int
	OpenedAt      time.Time
	CooldownUntil time.Time
	CooldownStep  time.Duration
}

// QueueLease is the persisted lease row (§3).
type QueueLease struct {
	WorkerID      string
	Queue         QueueClass
	TaskRef       string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	LastHeartbeat time.Time
}

// CanarySample is one terminal Run's contribution to the A/B window (§3,
// §4.5).
type CanarySample struct {
	RunID         string
	Group         CanaryGroup
	Success       bool
	Cost          float64
	Duration      time.Duration
	RetryCount    int
	ReplanCount   int
	RollbackCount int
}

// Criterion is one golden-suite assertion (§4.5).
type Criterion struct {
	Kind   string // contains|not_contains|equals|regex|file_exists|not_empty|greater_than|less_than|http_status|db_invariant|ui_smoke|migration_state
	Field  string
	Arg    string
	Weight float64
}

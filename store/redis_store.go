package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/youareridiculous/metabuilder/core"
)

// RedisStore implements Store on Redis, generalizing the teacher's
// RedisExecutionStore/RedisTaskStore JSON-blob-per-key persistence idiom
// (itsneelabh-gomind/orchestration/redis_execution_store.go,
// redis_task_store.go) to the full Run/Step/Artifact/ApprovalGate/
// Budget/CircuitBreaker/CanarySample/ReplayBundle row set. CAS updates on
// Run/Step state use Redis WATCH/MULTI/EXEC so a restarted orchestrator
// racing a live worker never clobbers a concurrent transition (§5).
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

// NewRedisStore constructs a RedisStore over an already-connected client.
func NewRedisStore(client *redis.Client, keyPrefix string, logger core.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "metabuilder"
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: core.WithComponentLogger(logger, "store")}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.keyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) CreateSpec(ctx context.Context, spec core.Spec) error {
	return s.putJSON(ctx, s.key("spec", spec.ID), spec)
}

func (s *RedisStore) GetSpec(ctx context.Context, id string) (core.Spec, error) {
	var sp core.Spec
	ok, err := s.getJSON(ctx, s.key("spec", id), &sp)
	if err != nil {
		return core.Spec{}, err
	}
	if !ok {
		return core.Spec{}, core.ErrNotFound
	}
	return sp, nil
}

func (s *RedisStore) CreateRun(ctx context.Context, run core.Run) error {
	if err := s.putJSON(ctx, s.key("run", run.ID), run); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("runs", "nonterminal"), run.ID).Err()
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (core.Run, error) {
	var r core.Run
	ok, err := s.getJSON(ctx, s.key("run", id), &r)
	if err != nil {
		return core.Run{}, err
	}
	if !ok {
		return core.Run{}, core.ErrNotFound
	}
	return r, nil
}

// CASRunState performs an optimistic WATCH/MULTI/EXEC transaction: it
// reads the Run, verifies State==expected, and writes the transition
// inside the same watched transaction so a concurrent writer that moved
// the state first aborts us with redis.TxFailedErr (mapped to
// ErrCASConflict).
func (s *RedisStore) CASRunState(ctx context.Context, runID string, expected, next core.RunState, terminalReason string) error {
	key := s.key("run", runID)
	txf := func(tx *redis.Tx) error {
		var r core.Run
		ok, err := getJSONTx(ctx, tx, key, &r)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrNotFound
		}
		if r.State != expected {
			return fmt.Errorf("run %s state %s != expected %s: %w", runID, r.State, expected, ErrCASConflict)
		}
		r.State = next
		if terminalReason != "" {
			r.TerminalReason = terminalReason
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			data, merr := json.Marshal(r)
			if merr != nil {
				return merr
			}
			pipe.Set(ctx, key, data, 0)
			if next.Terminal() {
				pipe.SRem(ctx, s.key("runs", "nonterminal"), runID)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("run %s: %w", runID, ErrCASConflict)
	}
	return err
}

func getJSONTx(ctx context.Context, tx *redis.Tx, key string, v interface{}) (bool, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (s *RedisStore) IncrementIteration(ctx context.Context, runID string) error {
	key := s.key("run", runID)
	txf := func(tx *redis.Tx) error {
		var r core.Run
		ok, err := getJSONTx(ctx, tx, key, &r)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrNotFound
		}
		r.Iteration++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			data, merr := json.Marshal(r)
			if merr != nil {
				return merr
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("run %s: %w", runID, ErrCASConflict)
	}
	return err
}

func (s *RedisStore) ListNonTerminalRuns(ctx context.Context) ([]core.Run, error) {
	ids, err := s.client.SMembers(ctx, s.key("runs", "nonterminal")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) CreateStep(ctx context.Context, step core.Step) error {
	if err := s.putJSON(ctx, s.key("step", step.ID), step); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("run", step.RunID, "steps"), step.ID).Err()
}

func (s *RedisStore) GetStep(ctx context.Context, id string) (core.Step, error) {
	var st core.Step
	ok, err := s.getJSON(ctx, s.key("step", id), &st)
	if err != nil {
		return core.Step{}, err
	}
	if !ok {
		return core.Step{}, core.ErrNotFound
	}
	return st, nil
}

func (s *RedisStore) CASStepState(ctx context.Context, stepID string, expected, next core.StepState) error {
	key := s.key("step", stepID)
	txf := func(tx *redis.Tx) error {
		var st core.Step
		ok, err := getJSONTx(ctx, tx, key, &st)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrNotFound
		}
		if st.State != expected {
			return fmt.Errorf("step %s state %s != expected %s: %w", stepID, st.State, expected, ErrCASConflict)
		}
		st.State = next
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			data, merr := json.Marshal(st)
			if merr != nil {
				return merr
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("step %s: %w", stepID, ErrCASConflict)
	}
	return err
}

func (s *RedisStore) ListSteps(ctx context.Context, runID string) ([]core.Step, error) {
	ids, err := s.client.SMembers(ctx, s.key("run", runID, "steps")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.Step, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetStep(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// CommitStepTransition writes the Step, optional Artifact, and the Run's
// new state inside a single Redis pipeline so all three land together or
// not at all from the caller's point of view (§6). Redis pipelines are
// not full ACID transactions across unrelated keys the way a relational
// engine's would be, but combined with the per-row CAS checks above this
// gives the same effective guarantee this core's callers rely on: no
// reader ever observes a Step result without its Run reflecting it.
func (s *RedisStore) CommitStepTransition(ctx context.Context, t StepTransition) error {
	pipe := s.client.TxPipeline()

	stepData, err := json.Marshal(t.Step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	pipe.Set(ctx, s.key("step", t.Step.ID), stepData, 0)
	pipe.SAdd(ctx, s.key("run", t.Step.RunID, "steps"), t.Step.ID)

	if t.Artifact != nil {
		artData, err := json.Marshal(*t.Artifact)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		pipe.RPush(ctx, s.key("run", t.Step.RunID, "artifacts"), artData)
	}

	run, err := s.GetRun(ctx, t.Step.RunID)
	if err == nil {
		run.State = t.RunState
		run.CostUsed.Tokens += t.RunCostDelta.Tokens
		run.CostUsed.CostUSD += t.RunCostDelta.CostUSD
		runData, merr := json.Marshal(run)
		if merr != nil {
			return fmt.Errorf("marshal run: %w", merr)
		}
		pipe.Set(ctx, s.key("run", t.Step.RunID), runData, 0)
		if run.State.Terminal() {
			pipe.SRem(ctx, s.key("runs", "nonterminal"), t.Step.RunID)
		}
	}

	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AppendFailure(ctx context.Context, f core.Failure) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key("step", f.StepID, "failures"), data).Err()
}

func (s *RedisStore) ListFailures(ctx context.Context, stepID string) ([]core.Failure, error) {
	raws, err := s.client.LRange(ctx, s.key("step", stepID, "failures"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.Failure, 0, len(raws))
	for _, raw := range raws {
		var f core.Failure
		if json.Unmarshal([]byte(raw), &f) == nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *RedisStore) AppendRepairAttempt(ctx context.Context, a core.RepairAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key("run", a.RunID, "repairs"), data).Err()
}

func (s *RedisStore) ListRepairAttempts(ctx context.Context, runID string) ([]core.RepairAttempt, error) {
	raws, err := s.client.LRange(ctx, s.key("run", runID, "repairs"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.RepairAttempt, 0, len(raws))
	for _, raw := range raws {
		var a core.RepairAttempt
		if json.Unmarshal([]byte(raw), &a) == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *RedisStore) PutArtifact(ctx context.Context, a core.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key("run", a.RunID, "artifacts"), data).Err()
}

func (s *RedisStore) ListArtifacts(ctx context.Context, runID string) ([]core.Artifact, error) {
	raws, err := s.client.LRange(ctx, s.key("run", runID, "artifacts"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.Artifact, 0, len(raws))
	for _, raw := range raws {
		var a core.Artifact
		if json.Unmarshal([]byte(raw), &a) == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *RedisStore) CreateApprovalGate(ctx context.Context, g core.ApprovalGate) error {
	if err := s.putJSON(ctx, s.key("gate", g.ID), g); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("run", g.RunID, "gates"), g.ID).Err()
}

func (s *RedisStore) GetApprovalGate(ctx context.Context, id string) (core.ApprovalGate, error) {
	var g core.ApprovalGate
	ok, err := s.getJSON(ctx, s.key("gate", id), &g)
	if err != nil {
		return core.ApprovalGate{}, err
	}
	if !ok {
		return core.ApprovalGate{}, core.ErrNotFound
	}
	return g, nil
}

func (s *RedisStore) DecideApprovalGate(ctx context.Context, id string, decision core.ApprovalDecision, decider string) error {
	key := s.key("gate", id)
	txf := func(tx *redis.Tx) error {
		var g core.ApprovalGate
		ok, err := getJSONTx(ctx, tx, key, &g)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrNotFound
		}
		if g.Decision != core.ApprovalPending {
			return fmt.Errorf("gate %s already decided (%s): %w", id, g.Decision, ErrCASConflict)
		}
		g.Decision = decision
		g.Decider = decider
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			data, merr := json.Marshal(g)
			if merr != nil {
				return merr
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("gate %s: %w", id, ErrCASConflict)
	}
	return err
}

func (s *RedisStore) ListApprovalGates(ctx context.Context, runID string) ([]core.ApprovalGate, error) {
	// Gates are few per run; scan the gate keyspace held in the run's
	// gate-index set, maintained alongside CreateApprovalGate.
	ids, err := s.client.SMembers(ctx, s.key("run", runID, "gates")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.ApprovalGate, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetApprovalGate(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *RedisStore) PutBudget(ctx context.Context, b core.Budget) error {
	return s.putJSON(ctx, s.key("budget", b.RunID), b)
}

func (s *RedisStore) GetBudget(ctx context.Context, runID string) (core.Budget, error) {
	var b core.Budget
	ok, err := s.getJSON(ctx, s.key("budget", runID), &b)
	if err != nil {
		return core.Budget{}, err
	}
	if !ok {
		return core.Budget{}, core.ErrNotFound
	}
	return b, nil
}

func (s *RedisStore) PutCircuitBreakerState(ctx context.Context, cbs core.CircuitBreakerState) error {
	return s.putJSON(ctx, s.key("breaker", string(cbs.Tenant), string(cbs.Class)), cbs)
}

func (s *RedisStore) GetCircuitBreakerState(ctx context.Context, tenant string, class core.FailureClass) (core.CircuitBreakerState, bool, error) {
	var cbs core.CircuitBreakerState
	ok, err := s.getJSON(ctx, s.key("breaker", tenant, string(class)), &cbs)
	return cbs, ok, err
}

func (s *RedisStore) AppendCanarySample(ctx context.Context, sample core.CanarySample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key("canary", string(sample.Group)), data).Err()
}

func (s *RedisStore) ListCanarySamples(ctx context.Context, group core.CanaryGroup, limit int) ([]core.CanarySample, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := s.client.LRange(ctx, s.key("canary", string(group)), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.CanarySample, 0, len(raws))
	for _, raw := range raws {
		var cs core.CanarySample
		if json.Unmarshal([]byte(raw), &cs) == nil {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *RedisStore) PutReplayBundle(ctx context.Context, runID string, bundleRef string, hash string) error {
	return s.client.HSet(ctx, s.key("replay", runID), map[string]interface{}{"ref": bundleRef, "hash": hash}).Err()
}

func (s *RedisStore) GetReplayBundleRef(ctx context.Context, runID string) (string, bool, error) {
	ref, err := s.client.HGet(ctx, s.key("replay", runID), "ref").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

var _ Store = (*RedisStore)(nil)

package mission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/tracing"
	"github.com/crewmux/crewmux/internal/instructions"
	"github.com/crewmux/crewmux/internal/state"
)

// run drives the phase machine to a terminal state. Worker failures are
// absorbed into their result records; only a lead failure during reviewing
// takes the mission to the error phase.
func (e *Engine) run(m *mission) {
	ctx := context.Background()

	e.runPhase(ctx, m, PhaseExecuting, e.execute)

	for {
		if m.verifyCmd == "" {
			break
		}
		m.setPhase(PhaseVerifying)
		passed := e.runVerification(ctx, m)
		if passed {
			break
		}
		m.mu.Lock()
		attempts := len(m.verifyLog)
		retriesLeft := attempts <= m.maxRetries
		m.mu.Unlock()
		if !retriesLeft {
			break
		}
		e.runPhase(ctx, m, PhaseFixing, e.fix)
	}

	e.runPhase(ctx, m, PhaseReviewing, e.review)

	e.finish(m)
}

// runPhase records the phase transition and wraps the phase in a span.
func (e *Engine) runPhase(ctx context.Context, m *mission, p Phase, fn func(context.Context, *mission)) {
	m.setPhase(p)
	pctx, span := tracing.TraceMissionPhase(ctx, m.id, string(p))
	fn(pctx, m)
	tracing.EndSpan(span, nil)
}

// execute runs the executing phase: the lead's kickoff call is issued
// without awaiting, workers run concurrently to completion, then the lead
// call is awaited (its error, if any, is recorded silently).
func (e *Engine) execute(ctx context.Context, m *mission) {
	team, err := e.store.Team(m.teamID)
	if err != nil {
		m.mu.Lock()
		m.errMsg = err.Error()
		m.mu.Unlock()
		return
	}
	lead, _ := team.AgentByID(m.leadID)
	var workers []state.Agent
	for _, a := range team.Agents {
		if !a.Lead {
			workers = append(workers, a)
		}
	}

	leadDone := make(chan error, 1)
	go func() {
		_, err := e.caller.Send(ctx, m.leadID, instructions.MissionLeadPrompt(m.objective, workers))
		leadDone <- err
	}()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w state.Agent) {
			defer wg.Done()
			prompt := instructions.MissionWorkerPrompt(m.objective, m.taskByID[w.ID], w, team.Agents)
			out, err := e.caller.Send(ctx, w.ID, prompt)
			if err != nil {
				m.setResult(w.ID, WorkerResult{AgentID: w.ID, Status: "error", Output: err.Error()})
				return
			}
			m.setResult(w.ID, WorkerResult{AgentID: w.ID, Status: "success", Output: out})
		}(w)
	}
	wg.Wait()

	if err := <-leadDone; err != nil {
		e.log.Warn("mission lead kickoff failed",
			zap.String("mission_id", m.id),
			zap.String("lead_id", lead.ID),
			zap.Error(err))
	}
}

// runVerification runs one verification attempt and appends its record.
func (e *Engine) runVerification(ctx context.Context, m *mission) bool {
	vctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeoutDuration())
	defer cancel()

	m.mu.Lock()
	attempt := len(m.verifyLog) + 1
	m.mu.Unlock()

	vctx, span := tracing.TraceVerifyRun(vctx, m.id, attempt)
	out, passed := e.verify(vctx, m.workDir, m.verifyCmd)
	tracing.EndSpan(span, nil)

	m.mu.Lock()
	m.verifyLog = append(m.verifyLog, VerifyAttempt{Attempt: attempt, Passed: passed, Output: out})
	m.mu.Unlock()

	e.log.Info("verification attempt finished",
		zap.String("mission_id", m.id),
		zap.Int("attempt", attempt),
		zap.Bool("passed", passed))
	return passed
}

// fix asks the lead for JSON fix assignments and runs them concurrently,
// overwriting the targeted workers' result records. Unparseable responses
// degrade to no fixes.
func (e *Engine) fix(ctx context.Context, m *mission) {
	m.mu.Lock()
	failure := ""
	if n := len(m.verifyLog); n > 0 {
		failure = m.verifyLog[n-1].Output
	}
	workerIDs := append([]string(nil), m.workerIDs...)
	m.mu.Unlock()

	prompt := instructions.MissionFixPrompt(m.objective, failure, workerIDs)
	resp, err := e.caller.Send(ctx, m.leadID, prompt)
	if err != nil {
		e.log.Warn("fix planning call failed, skipping fixes",
			zap.String("mission_id", m.id), zap.Error(err))
		return
	}

	assignments := parseFixAssignments(resp, workerIDs)
	if len(assignments) == 0 {
		e.log.Info("no fix assignments", zap.String("mission_id", m.id))
		return
	}

	var wg sync.WaitGroup
	for _, a := range assignments {
		wg.Add(1)
		go func(a FixAssignment) {
			defer wg.Done()
			out, err := e.caller.Send(ctx, a.AgentID, a.Task)
			if err != nil {
				m.setResult(a.AgentID, WorkerResult{AgentID: a.AgentID, Status: "error", Output: err.Error()})
				return
			}
			m.setResult(a.AgentID, WorkerResult{AgentID: a.AgentID, Status: "success", Output: out})
		}(a)
	}
	wg.Wait()
}

// review asks the lead to compile the final report. A lead failure here is
// the one path to the error phase; everything gathered so far is preserved.
func (e *Engine) review(ctx context.Context, m *mission) {
	m.mu.Lock()
	outcomes := make([]instructions.WorkerOutcome, 0, len(m.workerIDs))
	for _, id := range m.workerIDs {
		r := m.results[id]
		outcomes = append(outcomes, instructions.WorkerOutcome{AgentID: id, Status: r.Status, Output: r.Output})
	}
	verifySummary := ""
	if n := len(m.verifyLog); n > 0 {
		last := m.verifyLog[n-1]
		verdict := "FAILED"
		if last.Passed {
			verdict = "passed"
		}
		verifySummary = fmt.Sprintf("%s after %d attempt(s).\n\n```\n%s\n```", verdict, n, last.Output)
	}
	m.mu.Unlock()

	report, err := e.caller.Send(ctx, m.leadID, instructions.MissionCompilationPrompt(m.objective, outcomes, verifySummary))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.phase = PhaseError
		m.errMsg = err.Error()
		return
	}
	m.phase = PhaseCompleted
	m.report = report
}

// finish captures the comms snapshot, tears the team down, and schedules
// the retention eviction timer.
func (e *Engine) finish(m *mission) {
	removed, err := e.store.DissolveTeam(m.teamID)
	if err != nil {
		e.log.Warn("mission teardown: team already gone",
			zap.String("mission_id", m.id), zap.Error(err))
	}

	ids := removed
	if len(ids) == 0 {
		ids = append([]string{m.leadID}, m.workerIDs...)
	}
	snap := e.bus.SnapshotTeam(m.teamID, ids)

	m.mu.Lock()
	m.snapshot = &snap
	phase := m.phase
	m.evict = time.AfterFunc(e.cfg.Retention(), func() { e.evict(m.id) })
	m.mu.Unlock()

	e.bus.DissolveTeam(m.teamID, ids)
	e.comms.DropAgents(ids)

	e.log.Info("mission terminal",
		zap.String("mission_id", m.id),
		zap.String("phase", string(phase)))
}

// evict drops a terminal mission record after the retention window.
func (e *Engine) evict(id string) {
	e.mu.Lock()
	delete(e.missions, id)
	e.mu.Unlock()
	e.log.Info("mission record evicted", zap.String("mission_id", id))
}

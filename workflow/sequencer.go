package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/garage/history"
	"github.com/c360studio/garage/llm"
	"github.com/c360studio/garage/notify"
	"github.com/google/uuid"
)

// DefaultStageDelay paces automatic advancement between stages.
const DefaultStageDelay = time.Second

// HistoryAppender persists stage results. *history.Store implements it.
type HistoryAppender interface {
	Append(ctx context.Context, rec history.Record) (history.Record, error)
}

// Sequencer is the state machine for one workflow run. All operations are
// safe for concurrent use; at most one stage is processing at any time.
//
// Every Start and every Reset of an active run begins a new generation. A
// provider call that returns after its generation has ended is discarded.
type Sequencer struct {
	invoker llm.Invoker
	creds   llm.CredentialStore
	logger  *slog.Logger
	sink    notify.Sink
	metrics *Metrics
	history HistoryAppender
	delay   time.Duration
	now     func() time.Time

	mu         sync.Mutex
	template   Template
	assignment map[RoleID]string
	run        Run
	generation uint64
	busy       bool
	timer      *time.Timer
	pending    sync.WaitGroup

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithSink sets where stage failures and completions are announced.
func WithSink(sink notify.Sink) Option {
	return func(s *Sequencer) {
		s.sink = sink
	}
}

// WithMetrics records runs and stage outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// WithHistory persists every stage result.
func WithHistory(h HistoryAppender) Option {
	return func(s *Sequencer) {
		s.history = h
	}
}

// WithStageDelay sets the pause before a completed stage triggers the next.
// Zero runs the next stage immediately, within the same call.
func WithStageDelay(d time.Duration) Option {
	return func(s *Sequencer) {
		s.delay = d
	}
}

// New creates a Sequencer for the template with id templateID.
func New(templateID string, invoker llm.Invoker, creds llm.CredentialStore, opts ...Option) (*Sequencer, error) {
	t, err := GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	s := &Sequencer{
		invoker:    invoker,
		creds:      creds,
		logger:     slog.Default(),
		sink:       notify.Discard,
		delay:      DefaultStageDelay,
		now:        time.Now,
		template:   t,
		assignment: make(map[RoleID]string),
		subs:       make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.run = s.freshRun()
	return s, nil
}

func (s *Sequencer) freshRun() Run {
	stages := make([]Stage, len(s.template.Roles))
	for i, role := range s.template.Roles {
		stages[i] = Stage{
			Index:       i,
			Role:        role.ID,
			RoleName:    role.Name,
			Description: role.Description,
			Status:      StatusPending,
		}
	}
	return Run{
		Template:      s.template.ID,
		TemplateTitle: s.template.Title,
		Generation:    s.generation,
		Stages:        stages,
	}
}

// Template returns the active template.
func (s *Sequencer) Template() Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.template
}

// SetTemplate switches to another template. Only allowed before Start.
func (s *Sequencer) SetTemplate(id string) error {
	t, err := GetTemplate(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.run.Started {
		s.mu.Unlock()
		return &ValidationError{Op: "set template", Reason: "the run has started; reset it first"}
	}
	s.template = t
	s.run = s.freshRun()
	s.mu.Unlock()
	return nil
}

// Assign binds role to provider. An empty provider removes the binding.
// Assignments are fixed once the run starts.
func (s *Sequencer) Assign(role RoleID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run.Started {
		return &ValidationError{Op: "assign", Reason: "the run has started; reset it to change assignments"}
	}
	if _, ok := s.template.Role(role); !ok {
		return &ValidationError{Op: "assign", Reason: fmt.Sprintf("template %q has no role %q", s.template.ID, role)}
	}
	if provider == "" {
		delete(s.assignment, role)
		return nil
	}
	if llm.GetProvider(provider) == nil {
		return &ValidationError{Op: "assign", Reason: fmt.Sprintf("unknown provider %q", provider)}
	}
	s.assignment[role] = provider
	return nil
}

// Assignment returns a copy of the current role assignment.
func (s *Sequencer) Assignment() map[RoleID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.assignment)
}

// Snapshot returns a deep copy of the run.
func (s *Sequencer) Snapshot() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sequencer) snapshotLocked() Run {
	r := s.run.clone()
	r.Generation = s.generation
	return r
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Events are delivered synchronously, outside the
// sequencer lock, so fn may call back into the sequencer.
func (s *Sequencer) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Start validates the assignment and the prompt, marks the run started and
// runs the first stage with prompt as its input. It returns once the first
// stage call has finished.
func (s *Sequencer) Start(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.run.Started {
		s.mu.Unlock()
		return &ValidationError{Op: "start", Reason: "the run has already started; reset it first"}
	}
	if len(s.assignment) < 2 {
		s.mu.Unlock()
		return &ValidationError{Op: "start", Reason: "at least two roles need an assigned provider"}
	}
	if strings.TrimSpace(prompt) == "" {
		s.mu.Unlock()
		return &ValidationError{Op: "start", Reason: "the prompt is empty"}
	}
	first := s.template.Roles[0]
	if s.assignment[first.ID] == "" {
		s.mu.Unlock()
		err := &AssignmentError{Stage: 0, Role: first.ID, RoleName: first.Name}
		notify.Error(s.sink, first.Name, "%v", err)
		return err
	}

	s.generation++
	s.run = s.freshRun()
	s.run.ID = uuid.New().String()
	s.run.Started = true
	for i := range s.run.Stages {
		s.run.Stages[i].Provider = s.assignment[s.run.Stages[i].Role]
	}
	gen := s.generation
	ev := s.eventLocked(EventStarted, 0, nil)
	s.mu.Unlock()

	s.metrics.runStarted(ev.Snapshot.Template)
	s.logger.Info("Workflow started",
		"run_id", ev.RunID,
		"template", ev.Snapshot.Template,
		"generation", gen)
	s.publish(ev)

	return s.runStage(ctx, gen, 0, prompt)
}

// RunStage (re)runs the stage at index with input. It is how a stage that
// failed is resumed. Stages after the first can only run once their
// predecessor has completed.
func (s *Sequencer) RunStage(ctx context.Context, index int, input string) error {
	s.mu.Lock()
	if !s.run.Started {
		s.mu.Unlock()
		return &ValidationError{Op: "run stage", Reason: "the run has not started"}
	}
	gen := s.generation
	s.mu.Unlock()
	return s.runStage(ctx, gen, index, input)
}

// SubmitRefinement appends extra to the first stage's request and runs the
// first stage again, replacing its previous output. Only valid while the
// first stage awaits a decision.
func (s *Sequencer) SubmitRefinement(ctx context.Context, extra string) error {
	s.mu.Lock()
	if !s.run.AwaitingUserDecision() {
		s.mu.Unlock()
		return &ValidationError{Op: "refine", Reason: "the first stage is not awaiting a decision"}
	}
	extra = strings.TrimSpace(extra)
	if extra == "" {
		s.mu.Unlock()
		return &ValidationError{Op: "refine", Reason: "the refinement text is empty"}
	}
	input := Refine(s.run.Stages[0].Prompt, extra)
	gen := s.generation
	templateID := s.template.ID
	s.mu.Unlock()

	s.metrics.refinement(templateID)
	return s.runStage(ctx, gen, 0, input)
}

// Advance approves the first stage and hands its output to the second.
// Only valid while the first stage awaits a decision.
func (s *Sequencer) Advance(ctx context.Context) error {
	s.mu.Lock()
	if !s.run.AwaitingUserDecision() {
		s.mu.Unlock()
		return &ValidationError{Op: "advance", Reason: "the first stage is not awaiting a decision"}
	}
	next := s.run.Stages[1]
	if next.Provider == "" {
		s.mu.Unlock()
		err := &AssignmentError{Stage: 1, Role: next.Role, RoleName: next.RoleName}
		notify.Error(s.sink, next.RoleName, "%v", err)
		return err
	}

	first := &s.run.Stages[0]
	first.Status = StatusCompleted
	first.UpdatedAt = s.now()
	input := RenderHandoff(s.template.Roles[1], s.template.Roles[0], first.Output)
	gen := s.generation
	ev := s.eventLocked(EventStageCompleted, 0, nil)
	s.mu.Unlock()

	s.publish(ev)
	return s.runStage(ctx, gen, 1, input)
}

// Reset clears the run: every stage returns to pending with no prompt or
// output, the assignment is emptied and the started flag is cleared. Calls
// in flight are not cancelled, but their results are discarded. Reset is
// idempotent.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	active := s.run.Started || s.busy || len(s.assignment) > 0 || s.timer != nil
	if s.timer != nil {
		if s.timer.Stop() {
			s.pending.Done()
		}
		s.timer = nil
	}
	if active {
		s.generation++
	}
	s.busy = false
	s.assignment = make(map[RoleID]string)
	s.run = s.freshRun()
	ev := s.eventLocked(EventReset, 0, nil)
	s.mu.Unlock()

	if active {
		s.logger.Info("Workflow reset", "generation", ev.Generation)
	}
	s.publish(ev)
}

// Wait blocks until no automatic advancement is scheduled.
func (s *Sequencer) Wait() {
	s.pending.Wait()
}

func (s *Sequencer) runStage(ctx context.Context, gen uint64, index int, input string) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return ErrRunSuperseded
	}
	if index < 0 || index >= len(s.run.Stages) {
		s.mu.Unlock()
		return &AssignmentError{Stage: index}
	}
	if s.busy || s.timer != nil {
		s.mu.Unlock()
		return ErrStageBusy
	}
	if index > 0 && s.run.Stages[index-1].Status != StatusCompleted {
		s.mu.Unlock()
		return &ValidationError{
			Op:     "run stage",
			Reason: fmt.Sprintf("stage %d (%s) has not completed", index-1, s.run.Stages[index-1].RoleName),
		}
	}

	st := &s.run.Stages[index]
	if st.Provider == "" {
		err := &AssignmentError{Stage: index, Role: st.Role, RoleName: st.RoleName}
		s.mu.Unlock()
		notify.Error(s.sink, err.RoleName, "%v", err)
		return err
	}

	cred, ok := s.creds.Get(st.Provider)
	if !ok || strings.TrimSpace(cred.Secret) == "" {
		err := &llm.CredentialMissingError{Provider: st.Provider}
		st.Prompt = input
		st.RenderedPrompt = s.render(index, input)
		return s.failLocked(ctx, st, err)
	}

	st.Status = StatusProcessing
	st.Prompt = input
	st.RenderedPrompt = s.render(index, input)
	st.Error = ""
	st.UpdatedAt = s.now()
	s.busy = true
	s.run.Current = index
	req := llm.Request{
		Provider:   st.Provider,
		Prompt:     st.RenderedPrompt,
		Credential: cred.Secret,
		Model:      cred.Model,
	}
	runID := s.run.ID
	templateID := s.template.ID
	ev := s.eventLocked(EventStageProcessing, index, nil)
	s.mu.Unlock()

	s.logger.Debug("Stage processing",
		"run_id", runID,
		"stage", index,
		"role", ev.Snapshot.Stages[index].RoleName,
		"provider", req.Provider)
	s.publish(ev)

	resp, err := s.invoker.Invoke(ctx, req)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("Discarding stage result from superseded run",
			"run_id", runID,
			"stage", index,
			"provider", req.Provider)
		return ErrRunSuperseded
	}
	s.busy = false
	st = &s.run.Stages[index]
	if err != nil {
		return s.failLocked(ctx, st, err)
	}

	st.Output = resp.Content
	st.Model = resp.Model
	st.TokensUsed = resp.TokensUsed
	st.UpdatedAt = s.now()
	done := *st

	var events []Event
	var handoff string
	next := -1
	switch {
	case index == 0:
		st.Status = StatusAwaitingUserDecision
		events = append(events, s.eventLocked(EventStageAwaiting, index, nil))
	case index == len(s.run.Stages)-1:
		st.Status = StatusCompleted
		events = append(events,
			s.eventLocked(EventStageCompleted, index, nil),
			s.eventLocked(EventRunCompleted, index, nil))
	default:
		st.Status = StatusCompleted
		events = append(events, s.eventLocked(EventStageCompleted, index, nil))
		next = index + 1
		handoff = RenderHandoff(s.template.Roles[next], s.template.Roles[index], st.Output)
		if s.delay > 0 {
			bg := context.WithoutCancel(ctx)
			s.pending.Add(1)
			s.timer = time.AfterFunc(s.delay, func() {
				defer s.pending.Done()
				_ = s.autoAdvance(bg, gen, next, handoff)
			})
		}
	}
	s.mu.Unlock()

	s.logger.Info("Stage completed",
		"run_id", runID,
		"stage", index,
		"role", done.RoleName,
		"provider", done.Provider,
		"model", done.Model,
		"tokens", done.TokensUsed)
	s.metrics.stageRun(templateID, done.RoleName, "success")
	s.record(ctx, done, nil)
	s.publish(events...)

	switch {
	case index == 0:
		notify.Success(s.sink, done.RoleName, "Ready for review")
	case next < 0:
		notify.Success(s.sink, done.RoleName, "Workflow complete")
	case s.delay == 0:
		return s.autoAdvance(ctx, gen, next, handoff)
	}
	return nil
}

// autoAdvance runs stage next after its predecessor completed. A stage with
// no provider ends the run there.
func (s *Sequencer) autoAdvance(ctx context.Context, gen uint64, next int, input string) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return ErrRunSuperseded
	}
	s.timer = nil
	st := s.run.Stages[next]
	if st.Provider == "" {
		err := &AssignmentError{Stage: next, Role: st.Role, RoleName: st.RoleName}
		ev := s.eventLocked(EventRunCompleted, next-1, err)
		s.mu.Unlock()

		s.logger.Info("Workflow stopped at unassigned role",
			"run_id", ev.RunID,
			"stage", next,
			"role", st.RoleName)
		notify.Error(s.sink, st.RoleName, "%v; workflow stopped", err)
		s.publish(ev)
		return err
	}
	s.mu.Unlock()
	return s.runStage(ctx, gen, next, input)
}

// failLocked reverts st to pending after a failed call and reports err.
// It releases the lock.
func (s *Sequencer) failLocked(ctx context.Context, st *Stage, err error) error {
	st.Status = StatusPending
	st.Error = err.Error()
	st.UpdatedAt = s.now()
	failed := *st
	templateID := s.template.ID
	ev := s.eventLocked(EventStageFailed, st.Index, err)
	s.mu.Unlock()

	s.logger.Warn("Stage failed",
		"run_id", ev.RunID,
		"stage", failed.Index,
		"role", failed.RoleName,
		"provider", failed.Provider,
		"error", err)
	s.metrics.stageRun(templateID, failed.RoleName, "error")
	s.record(ctx, failed, err)
	notify.Error(s.sink, failed.RoleName, "%s failed: %v", failed.Provider, err)
	s.publish(ev)
	return err
}

func (s *Sequencer) render(index int, input string) string {
	if index == 0 {
		return RenderKickoff(s.template, s.template.Roles[0], input)
	}
	// Later stages receive an already rendered handoff.
	return input
}

func (s *Sequencer) eventLocked(typ EventType, stage int, err error) Event {
	ev := Event{
		Type:       typ,
		RunID:      s.run.ID,
		Generation: s.generation,
		Stage:      stage,
		Time:       s.now().UTC(),
		Snapshot:   s.snapshotLocked(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Sequencer) publish(events ...Event) {
	s.subMu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (s *Sequencer) record(ctx context.Context, st Stage, err error) {
	if s.history == nil {
		return
	}
	rec := history.Record{
		Mode:       history.ModeWorkflow,
		Provider:   st.Provider,
		Model:      st.Model,
		Role:       st.RoleName,
		Prompt:     st.RenderedPrompt,
		Content:    st.Output,
		TokensUsed: st.TokensUsed,
	}
	if err != nil {
		rec.Content = ""
		rec.Error = err.Error()
		if rec.Prompt == "" {
			rec.Prompt = st.Prompt
		}
	}
	if _, herr := s.history.Append(context.WithoutCancel(ctx), rec); herr != nil {
		s.logger.Warn("Failed to record stage result", "stage", st.Index, "error", herr)
	}
}

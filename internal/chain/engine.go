// Package chain advances multi-step automations one step per callback.
//
// Every resumption re-reads the chain from the state store; the engine keeps
// no progress in memory between dispatches. Transitions for one state id are
// serialized with a per-key lock and always persist before dispatching.
package chain

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/telemetry"
	"github.com/mattjoyce/conduit/internal/trust"
)

var (
	ErrUnknownCorrelation = errors.New("unknown correlation id")
	ErrIdentityMismatch   = errors.New("reporting source does not match the current step")
)

// Dispatcher is the transport the engine sends steps through.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, target protocol.Target, in *protocol.PluginInput) (*dispatch.Ack, error)
	ResolveRef(ctx context.Context, target protocol.Target) (string, error)
	AuthToken(ctx context.Context, owner string) (string, error)
}

// Matcher selects the automations an event triggers. *router.Router satisfies it.
type Matcher interface {
	Match(eventName string) []config.Automation
}

// Options configures an Engine.
type Options struct {
	Store      state.Store
	TTL        time.Duration
	Dispatcher Dispatcher
	Router     Matcher
	SigningKey *rsa.PrivateKey
	Logger     *slog.Logger
	Locker     *state.Locker
}

// Engine starts and advances chains.
type Engine struct {
	states     *state.Typed[PluginChainState]
	locks      *state.Locker
	dispatcher Dispatcher
	router     Matcher
	key        *rsa.PrivateKey
	logger     *slog.Logger
	tracer     trace.Tracer
	newID      func() string
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.TTL == 0 {
		opts.TTL = state.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("chain")
	}
	if opts.Locker == nil {
		opts.Locker = state.NewLocker()
	}
	return &Engine{
		states:     state.NewTyped[PluginChainState](opts.Store, state.PrefixChain, opts.TTL),
		locks:      opts.Locker,
		dispatcher: opts.Dispatcher,
		router:     opts.Router,
		key:        opts.SigningKey,
		logger:     opts.Logger,
		tracer:     telemetry.Tracer("chain"),
		newID:      uuid.NewString,
	}
}

// Get returns the persisted chain for stateID.
func (e *Engine) Get(ctx context.Context, stateID string) (*PluginChainState, error) {
	return e.states.Get(ctx, stateID)
}

// StartResult is the outcome of starting one automation.
type StartResult struct {
	Automation string `json:"automation"`
	StateID    string `json:"state_id,omitempty"`
	Err        error  `json:"-"`
}

// Start creates a chain for automation and dispatches its first step. The
// returned state id is empty when nothing was persisted.
func (e *Engine) Start(ctx context.Context, ev protocol.Event, automation config.Automation) (string, error) {
	if len(automation.Steps) == 0 {
		return "", fmt.Errorf("automation %q has no steps", automation.Name)
	}

	stateID := e.newID()
	ctx, span := e.tracer.Start(ctx, "chain.start", trace.WithAttributes(
		attribute.String("state_id", stateID),
		attribute.String("automation", automation.Name),
		attribute.String("event", ev.Name),
	))
	defer span.End()

	st := &PluginChainState{
		StateID:       stateID,
		EventID:       ev.ID,
		EventName:     ev.Name,
		EventPayload:  ev.Payload,
		CurrentPlugin: 0,
		PluginChain:   automation.Steps,
		Outputs:       []protocol.PluginOutput{},
		AdditionalProperties: map[string]any{
			"automation":  automation.Name,
			"fingerprint": automation.Fingerprint,
		},
	}

	in, err := e.buildInput(ctx, st, 0)
	if err != nil {
		recordError(span, err)
		return "", fmt.Errorf("automation %q: %w", automation.Name, err)
	}
	st.Inputs = []protocol.PluginInput{*in}

	if err := e.states.Put(ctx, stateID, st); err != nil {
		recordError(span, err)
		return "", fmt.Errorf("persist chain: %w", err)
	}
	e.logger.Info("chain started",
		"state_id", stateID,
		"automation", automation.Name,
		"event", ev.Name,
		"steps", len(st.PluginChain),
	)

	if _, err := e.dispatchStep(ctx, st, 0, in); err != nil {
		recordError(span, err)
		return stateID, err
	}
	return stateID, nil
}

// Fanout starts every automation independently. A failure in one never
// prevents the others; failures are logged and reported per automation.
func (e *Engine) Fanout(ctx context.Context, ev protocol.Event, automations []config.Automation) []StartResult {
	results := make([]StartResult, len(automations))
	var wg sync.WaitGroup
	for i, a := range automations {
		wg.Add(1)
		go func(i int, a config.Automation) {
			defer wg.Done()
			id, err := e.Start(ctx, ev, a)
			results[i] = StartResult{Automation: a.Name, StateID: id, Err: err}
			if err != nil {
				e.logger.Error("automation failed to start",
					"automation", a.Name,
					"event", ev.Name,
					"event_id", ev.ID,
					"state_id", id,
					"error", err,
				)
			}
		}(i, a)
	}
	wg.Wait()
	return results
}

// Advance records out against its chain and dispatches the next step.
//
// Unknown correlation ids and identity mismatches are logged and dropped with
// a nil error. Resolution errors leave the store untouched. A dispatch
// failure of the next step is returned after the advanced state is persisted.
func (e *Engine) Advance(ctx context.Context, src protocol.Source, out *protocol.PluginOutput) (Outcome, error) {
	if out == nil || out.StateID == "" {
		e.logger.Warn("dropping output without state id", "source", src.String())
		return OutcomeDropped, nil
	}

	ctx, span := e.tracer.Start(ctx, "chain.advance", trace.WithAttributes(
		attribute.String("state_id", out.StateID),
		attribute.String("source", src.String()),
	))
	defer span.End()
	logger := e.logger.With("state_id", out.StateID)

	unlock := e.locks.Lock(state.Key(state.PrefixChain, out.StateID))
	st, err := e.states.Get(ctx, out.StateID)
	if err != nil {
		unlock()
		if errors.Is(err, state.ErrNotFound) {
			logger.Warn("dropping output", "reason", ErrUnknownCorrelation, "source", src.String())
			return OutcomeDropped, nil
		}
		recordError(span, err)
		return "", fmt.Errorf("load chain: %w", err)
	}

	if st.IsTerminal() {
		unlock()
		logger.Info("chain already complete, ignoring output", "source", src.String())
		return OutcomeIgnored, nil
	}

	current := st.CurrentStep()
	if err := checkIdentity(current.Target, src); err != nil {
		unlock()
		logger.Warn("dropping output", "reason", err, "step", st.CurrentPlugin, "source", src.String())
		return OutcomeDropped, nil
	}

	output := protocol.PluginOutput{StateID: out.StateID, Output: out.Output}
	if output.Output == nil {
		output.Output = map[string]any{}
	}
	st.Outputs = append(st.Outputs[:st.CurrentPlugin], output)

	if st.CurrentPlugin == len(st.PluginChain)-1 {
		err := e.states.Put(ctx, out.StateID, st)
		unlock()
		if err != nil {
			recordError(span, err)
			return "", fmt.Errorf("persist chain: %w", err)
		}
		logger.Info("chain completed", "steps", len(st.PluginChain))
		span.SetAttributes(attribute.String("outcome", string(OutcomeCompleted)))
		return OutcomeCompleted, nil
	}

	nextIdx := st.CurrentPlugin + 1
	in, err := e.buildInput(ctx, st, nextIdx)
	if err != nil {
		unlock()
		logger.Error("chain advancement aborted", "step", nextIdx, "error", err)
		recordError(span, err)
		return "", fmt.Errorf("step %d: %w", nextIdx, err)
	}

	st.CurrentPlugin = nextIdx
	st.Inputs = append(st.Inputs[:nextIdx], *in)
	err = e.states.Put(ctx, out.StateID, st)
	unlock()
	if err != nil {
		recordError(span, err)
		return "", fmt.Errorf("persist chain: %w", err)
	}
	logger.Info("chain advanced", "step", nextIdx, "target", st.PluginChain[nextIdx].Target.String())
	span.SetAttributes(attribute.String("outcome", string(OutcomeAdvanced)))

	outcome, err := e.dispatchStep(ctx, st, nextIdx, in)
	if err != nil {
		recordError(span, err)
		return OutcomeAdvanced, err
	}
	return outcome, nil
}

// dispatchStep sends in to step idx. A worker's immediate result is fed
// back as that step's output.
func (e *Engine) dispatchStep(ctx context.Context, st *PluginChainState, idx int, in *protocol.PluginInput) (Outcome, error) {
	target := st.PluginChain[idx].Target
	ack, err := e.dispatcher.Dispatch(ctx, target, in)
	if err != nil {
		e.logger.Error("step dispatch failed",
			"state_id", st.StateID,
			"step", idx,
			"target", target.String(),
			"error", err,
		)
		return OutcomeAdvanced, err
	}
	if ack == nil || len(ack.Result) == 0 {
		return OutcomeAdvanced, nil
	}

	src := protocol.Source{}
	if w, ok := target.(protocol.WorkerTarget); ok {
		src.URL = w.URL
	}
	return e.Advance(ctx, src, &protocol.PluginOutput{StateID: st.StateID, Output: ack.Result})
}

// buildInput resolves and signs the input for step idx. Settings are
// resolved against the steps before idx and the original event is carried.
func (e *Engine) buildInput(ctx context.Context, st *PluginChainState, idx int) (*protocol.PluginInput, error) {
	step := st.PluginChain[idx]

	settings, err := ResolveSettings(step.Settings, st.PluginChain, st.Outputs, idx-1)
	if err != nil {
		return nil, err
	}

	ref, err := e.dispatcher.ResolveRef(ctx, step.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve ref for %s: %w", step.Target, err)
	}

	token, err := e.authToken(ctx, step.Target, st)
	if err != nil {
		return nil, err
	}

	in := &protocol.PluginInput{
		StateID:      st.StateID,
		EventName:    st.EventName,
		EventPayload: st.EventPayload,
		AuthToken:    token,
		Settings:     settings,
		Ref:          ref,
	}
	if err := trust.SignInput(in, e.key); err != nil {
		return nil, err
	}
	return in, nil
}

// authToken mints the token a step runs with: the workflow owner's
// installation for workflows, the event repository owner's for workers.
func (e *Engine) authToken(ctx context.Context, target protocol.Target, st *PluginChainState) (string, error) {
	if wf, ok := target.(protocol.WorkflowTarget); ok {
		token, err := e.dispatcher.AuthToken(ctx, wf.Owner)
		if err != nil {
			return "", fmt.Errorf("auth token for %s: %w", wf.Owner, err)
		}
		return token, nil
	}

	owner, _ := st.event().Repository()
	token, err := e.dispatcher.AuthToken(ctx, owner)
	if err != nil {
		e.logger.Warn("no installation token for worker step",
			"state_id", st.StateID,
			"owner", owner,
			"error", err,
		)
		return "", nil
	}
	return token, nil
}

// checkIdentity verifies that src may report for a step with target.
func checkIdentity(target protocol.Target, src protocol.Source) error {
	switch t := target.(type) {
	case protocol.WorkflowTarget:
		if !strings.EqualFold(src.Owner, t.Owner) || !strings.EqualFold(src.Repo, t.Repo) {
			return fmt.Errorf("%w: expected %s/%s, got %s", ErrIdentityMismatch, t.Owner, t.Repo, src)
		}
	case protocol.WorkerTarget:
		if src.URL != "" {
			if strings.TrimRight(src.URL, "/") != t.URL {
				return fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, t.URL, src.URL)
			}
			return nil
		}
		if src.Owner != "" || src.Repo != "" {
			return fmt.Errorf("%w: worker step reported by repository %s", ErrIdentityMismatch, src)
		}
	default:
		return fmt.Errorf("%w: unsupported target %T", ErrIdentityMismatch, target)
	}
	return nil
}

// EventResult summarizes what HandleEvent did with an inbound event.
type EventResult struct {
	// Callback is true when the event carried a step output.
	Callback bool          `json:"callback"`
	StateID  string        `json:"state_id,omitempty"`
	Outcome  Outcome       `json:"outcome,omitempty"`
	Started  []StartResult `json:"started,omitempty"`
}

// callbackEvent is the base name of events that carry step outputs.
const callbackEvent = "repository_dispatch"

type callbackEnvelope struct {
	ClientPayload *protocol.PluginOutput `json:"client_payload"`
}

// HandleEvent is the entry point for verified webhook events. A
// repository_dispatch carrying client_payload.state_id is a step callback
// from the dispatching repository; every other event fans out to the
// automations it triggers.
func (e *Engine) HandleEvent(ctx context.Context, ev protocol.Event) (*EventResult, error) {
	if ev.BaseName() == callbackEvent {
		var env callbackEnvelope
		if err := json.Unmarshal(ev.Payload, &env); err == nil && env.ClientPayload != nil && env.ClientPayload.StateID != "" {
			owner, repo := ev.Repository()
			outcome, err := e.Advance(ctx, protocol.Source{Owner: owner, Repo: repo}, env.ClientPayload)
			return &EventResult{Callback: true, StateID: env.ClientPayload.StateID, Outcome: outcome}, err
		}
	}

	if e.router == nil {
		return &EventResult{}, nil
	}
	automations := e.router.Match(ev.Name)
	if len(automations) == 0 {
		e.logger.Debug("no automations for event", "event", ev.Name, "event_id", ev.ID)
		return &EventResult{}, nil
	}
	return &EventResult{Started: e.Fanout(ctx, ev, automations)}, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

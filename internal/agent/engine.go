// Package agent runs single-shot jobs against a plugin and tracks their
// status from pending through running to completed or failed.
package agent

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/telemetry"
	"github.com/mattjoyce/conduit/internal/trust"
)

var ErrJobNotFound = errors.New("job not found")

// DefaultEventName is carried by jobs created without a triggering event.
const DefaultEventName = "agent.job"

const (
	DefaultBackgroundTimeout = 2 * time.Minute

	recordTimeout = 10 * time.Second
)

// Dispatcher is the transport jobs are sent through.
type Dispatcher interface {
	Dispatch(ctx context.Context, target protocol.Target, in *protocol.PluginInput) (*dispatch.Ack, error)
	ResolveRef(ctx context.Context, target protocol.Target) (string, error)
	AuthToken(ctx context.Context, owner string) (string, error)
}

// Manifests looks up what a plugin supports. *plugin.Registry satisfies it.
type Manifests interface {
	GetManifest(ctx context.Context, target protocol.Target) (*plugin.Manifest, error)
}

// Callback is invoked once when a job reaches a terminal status.
type Callback func(ctx context.Context, job *AgentJobState)

// JobRequest describes a job to create.
type JobRequest struct {
	Target    protocol.Target
	Command   *protocol.Command
	Settings  map[string]any
	SessionID string

	// EventName and EventPayload optionally carry a triggering event.
	EventName    string
	EventPayload json.RawMessage
}

// Options configures an Engine.
type Options struct {
	Store      state.Store
	TTL        time.Duration
	Dispatcher Dispatcher
	Manifests  Manifests
	SigningKey *rsa.PrivateKey
	Logger     *slog.Logger

	// BackgroundTimeout bounds each fire-and-forget dispatch.
	BackgroundTimeout time.Duration
}

// Engine creates jobs and applies their updates.
type Engine struct {
	jobs       *state.Typed[AgentJobState]
	locks      *state.Locker
	dispatcher Dispatcher
	manifests  Manifests
	key        *rsa.PrivateKey
	logger     *slog.Logger
	tracer     trace.Tracer
	timeout    time.Duration
	now        func() time.Time
	newID      func() string

	callbacks *callbackRegistry
	inflight  sync.WaitGroup
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.TTL == 0 {
		opts.TTL = state.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("agent")
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = DefaultBackgroundTimeout
	}
	return &Engine{
		jobs:       state.NewTyped[AgentJobState](opts.Store, state.PrefixJob, opts.TTL),
		locks:      state.NewLocker(),
		dispatcher: opts.Dispatcher,
		manifests:  opts.Manifests,
		key:        opts.SigningKey,
		logger:     opts.Logger,
		tracer:     telemetry.Tracer("agent"),
		timeout:    opts.BackgroundTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		callbacks:  newCallbackRegistry(),
	}
}

// CreateJob validates, signs and persists a pending job, then dispatches it
// in the background. It returns as soon as the job is persisted; dispatch
// failures surface later as a failed job.
func (e *Engine) CreateJob(ctx context.Context, req JobRequest, cb Callback) (string, error) {
	if req.Target == nil {
		return "", fmt.Errorf("job target is required")
	}

	jobID := e.newID()
	ctx, span := e.tracer.Start(ctx, "agent.create_job", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("target", req.Target.String()),
	))
	defer span.End()

	if err := e.validateCommand(ctx, req); err != nil {
		recordError(span, err)
		return "", err
	}

	in, err := e.buildInput(ctx, jobID, req)
	if err != nil {
		recordError(span, err)
		return "", err
	}

	now := e.now()
	job := &AgentJobState{
		JobID:     jobID,
		SessionID: req.SessionID,
		Target:    req.Target.String(),
		Status:    StatusPending,
		Inputs:    *in,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.jobs.Put(ctx, jobID, job); err != nil {
		recordError(span, err)
		return "", fmt.Errorf("persist job: %w", err)
	}
	if cb != nil {
		e.callbacks.register(jobID, cb)
	}

	e.logger.Info("job created", "job_id", jobID, "target", job.Target, "session_id", req.SessionID)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		e.dispatchJob(bg, jobID, req.Target, in)
	}()

	return jobID, nil
}

// Wait blocks until every background dispatch has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) dispatchJob(ctx context.Context, jobID string, target protocol.Target, in *protocol.PluginInput) {
	ctx, span := e.tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	ack, err := e.dispatcher.Dispatch(ctx, target, in)

	// The dispatch deadline may have passed; recording the outcome gets its own.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err != nil {
		recordError(span, err)
		e.logger.Error("job dispatch failed", "job_id", jobID, "target", target.String(), "error", err)
		if _, herr := e.HandleError(rctx, jobID, err.Error()); herr != nil {
			e.logger.Error("failed to record dispatch failure", "job_id", jobID, "error", herr)
		}
		return
	}
	if ack != nil && len(ack.Result) > 0 {
		if _, err := e.HandleResponse(rctx, jobID, ack.Result); err != nil {
			e.logger.Error("failed to record immediate result", "job_id", jobID, "error", err)
		}
	}
}

func (e *Engine) validateCommand(ctx context.Context, req JobRequest) error {
	if e.manifests == nil || req.Command == nil {
		return nil
	}
	m, err := e.manifests.GetManifest(ctx, req.Target)
	if err != nil {
		e.logger.Warn("manifest lookup failed, skipping command validation",
			"target", req.Target.String(),
			"error", err,
		)
		return nil
	}
	return m.ValidateCommand(req.Command)
}

func (e *Engine) buildInput(ctx context.Context, jobID string, req JobRequest) (*protocol.PluginInput, error) {
	ref, err := e.dispatcher.ResolveRef(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve ref for %s: %w", req.Target, err)
	}

	var owner string
	if wf, ok := req.Target.(protocol.WorkflowTarget); ok {
		owner = wf.Owner
	} else if req.EventPayload != nil {
		owner, _ = protocol.Event{Payload: req.EventPayload}.Repository()
	}
	token, err := e.dispatcher.AuthToken(ctx, owner)
	if err != nil {
		if req.Target.Kind() == protocol.KindWorkflow {
			return nil, fmt.Errorf("auth token for %s: %w", owner, err)
		}
		e.logger.Warn("no installation token for worker job", "job_id", jobID, "owner", owner, "error", err)
		token = ""
	}

	settings := req.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	eventName := req.EventName
	if eventName == "" {
		eventName = DefaultEventName
	}

	in := &protocol.PluginInput{
		StateID:      jobID,
		EventName:    eventName,
		EventPayload: req.EventPayload,
		Command:      req.Command,
		AuthToken:    token,
		Settings:     settings,
		Ref:          ref,
	}
	if err := trust.SignInput(in, e.key); err != nil {
		return nil, err
	}
	return in, nil
}

// Get returns the persisted job.
func (e *Engine) Get(ctx context.Context, jobID string) (*AgentJobState, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

// HandleResponse applies a progress or final update. Empty responses and
// updates to a terminal job are discarded and leave the state untouched. A
// response carrying "data" completes the job; anything else marks it running.
func (e *Engine) HandleResponse(ctx context.Context, jobID string, resp map[string]any) (*AgentJobState, error) {
	unlock := e.locks.Lock(state.Key(state.PrefixJob, jobID))
	job, err := e.Get(ctx, jobID)
	if err != nil {
		unlock()
		return nil, err
	}

	if len(resp) == 0 {
		unlock()
		e.logger.Debug("ignoring empty response", "job_id", jobID)
		return job, nil
	}
	if job.Status.Terminal() {
		unlock()
		e.logger.Info("discarding update for finished job", "job_id", jobID, "status", job.Status)
		return job, nil
	}

	final := isFinal(resp)
	if final {
		job.Status = StatusCompleted
	} else {
		job.Status = StatusRunning
	}
	job.Outputs = resp
	job.UpdatedAt = e.now()

	err = e.jobs.Put(ctx, jobID, job)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	e.logger.Info("job updated", "job_id", jobID, "status", job.Status)

	if final {
		e.callbacks.fire(ctx, jobID, job)
	}
	return job, nil
}

// HandleError marks the job failed with msg, whatever its current status.
func (e *Engine) HandleError(ctx context.Context, jobID string, msg string) (*AgentJobState, error) {
	unlock := e.locks.Lock(state.Key(state.PrefixJob, jobID))
	job, err := e.Get(ctx, jobID)
	if err != nil {
		unlock()
		return nil, err
	}

	job.Status = StatusFailed
	job.Error = msg
	job.UpdatedAt = e.now()

	err = e.jobs.Put(ctx, jobID, job)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	e.logger.Warn("job failed", "job_id", jobID, "error", msg)

	e.callbacks.fire(ctx, jobID, job)
	return job, nil
}

// Watch streams the job's state on every status change, starting with the
// current state, and closes the channel once a terminal status is seen or
// ctx is done. A store without change notifications yields a closed channel
// for a known job.
func (e *Engine) Watch(ctx context.Context, jobID string) (<-chan *AgentJobState, error) {
	wctx, cancel := context.WithCancel(ctx)
	changes, err := e.jobs.Watch(wctx, jobID)
	if errors.Is(err, state.ErrWatchUnsupported) {
		cancel()
		if _, err := e.Get(ctx, jobID); err != nil {
			return nil, err
		}
		out := make(chan *AgentJobState)
		close(out)
		return out, nil
	}
	if err != nil {
		cancel()
		return nil, err
	}

	// Subscribed first, so no transition between Get and Watch is lost.
	current, err := e.Get(ctx, jobID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *AgentJobState, 1)
	go func() {
		defer close(out)
		defer cancel()

		var last Status
		emit := func(job *AgentJobState) bool {
			if job.Status == last {
				return true
			}
			last = job.Status
			select {
			case out <- job:
			case <-wctx.Done():
				return false
			}
			return !job.Status.Terminal()
		}

		if !emit(current) {
			return
		}
		for job := range changes {
			if !emit(job) {
				return
			}
		}
	}()
	return out, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunStreaming   RunStatus = "streaming"
	RunInterrupted RunStatus = "interrupted"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Outcome is the result of driving one workflow stream session to its end.
type Outcome struct {
	Success    bool     `json:"success"`
	Messages   []string `json:"messages,omitempty"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	Interrupts int      `json:"interrupts"`
}

type StatusFunc func(status RunStatus)

type DriverOptions struct {
	Client        WorkflowClient
	Resolver      *Resolver
	InputParam    string
	ResumeData    string
	MaxInterrupts int
	RunTimeout    time.Duration
	Logger        *slog.Logger
	Metrics       *Metrics
}

type Driver struct {
	client        WorkflowClient
	resolver      *Resolver
	inputParam    string
	resumeData    string
	maxInterrupts int
	runTimeout    time.Duration
	logger        *slog.Logger
	metrics       *Metrics
}

const (
	defaultInputParam    = "input_url"
	defaultResumeData    = "continue"
	defaultMaxInterrupts = 16
	defaultRunTimeout    = 15 * time.Minute
)

func NewDriver(opts DriverOptions) *Driver {
	inputParam := strings.TrimSpace(opts.InputParam)
	if inputParam == "" {
		inputParam = defaultInputParam
	}
	resumeData := opts.ResumeData
	if resumeData == "" {
		resumeData = defaultResumeData
	}
	maxInterrupts := opts.MaxInterrupts
	if maxInterrupts <= 0 {
		maxInterrupts = defaultMaxInterrupts
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(ResolverOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		client:        opts.Client,
		resolver:      resolver,
		inputParam:    inputParam,
		resumeData:    resumeData,
		maxInterrupts: maxInterrupts,
		runTimeout:    runTimeout,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

func (d *Driver) Run(ctx context.Context, workflowID, inputURL string) Outcome {
	return d.RunObserved(ctx, workflowID, inputURL, nil)
}

// RunObserved drives one stream session and reports every status transition to
// onStatus. It never returns an error: every failure is folded into the Outcome.
func (d *Driver) RunObserved(ctx context.Context, workflowID, inputURL string, onStatus StatusFunc) Outcome {
	run := &workflowRun{
		driver:     d,
		workflowID: workflowID,
		logger:     d.logger.With("workflow_id", workflowID, "input_url", inputURL),
		onStatus:   onStatus,
		startedAt:  time.Now(),
	}
	run.setStatus(RunPending)
	if d.client == nil {
		return run.fail(errors.New("workflow client is not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()

	stream, err := d.client.Stream(ctx, StreamRequest{
		WorkflowID: workflowID,
		Parameters: map[string]any{d.inputParam: inputURL},
	})
	if err != nil {
		return run.fail(fmt.Errorf("open workflow stream: %w", err))
	}
	defer stream.Close()
	run.setStatus(RunStreaming)
	run.logger.Info("workflow stream opened")

	for {
		evt, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return run.complete()
		}
		if err != nil {
			return run.fail(fmt.Errorf("read workflow stream: %w", err))
		}
		switch evt.Kind {
		case EventMessage:
			run.appendMessage(evt)
		case EventError:
			return run.fail(&workflowError{message: evt.Error})
		case EventInterrupt:
			if err := run.handleInterrupt(ctx, evt.Interrupt); err != nil {
				return run.fail(err)
			}
		default:
			run.ignore(evt)
		}
	}
}

// workflowError is an error event reported by the engine itself, as opposed to a
// transport failure.
type workflowError struct {
	message string
}

func (e *workflowError) Error() string {
	return e.message
}

type workflowRun struct {
	driver     *Driver
	workflowID string
	logger     *slog.Logger
	onStatus   StatusFunc
	status     RunStatus
	messages   []string
	interrupts int
	startedAt  time.Time
}

func (r *workflowRun) setStatus(status RunStatus) {
	r.status = status
	if r.onStatus != nil {
		r.onStatus(status)
	}
}

func (r *workflowRun) appendMessage(evt Event) {
	if evt.Message == "" {
		return
	}
	r.logger.Debug("workflow message", "event_id", evt.ID, "node", evt.NodeTitle, "bytes", len(evt.Message))
	r.messages = append(r.messages, evt.Message)
}

func (r *workflowRun) ignore(evt Event) {
	switch evt.Kind {
	case EventDone, EventPing:
		r.logger.Debug("workflow stream event", "kind", evt.Kind, "event_id", evt.ID)
	default:
		r.logger.Warn("ignoring unclassified workflow event", "event", evt.Name, "event_id", evt.ID)
	}
}

// handleInterrupt issues exactly one resume call and drains the nested stream in
// place, so resumed messages land at the interrupt point.
func (r *workflowRun) handleInterrupt(ctx context.Context, interrupt *Interrupt) error {
	if interrupt == nil {
		return errors.New("interrupt event without payload")
	}
	r.interrupts++
	r.driver.metrics.observeInterrupt()
	if r.interrupts > r.driver.maxInterrupts {
		return fmt.Errorf("%w: %d", ErrTooManyInterrupts, r.driver.maxInterrupts)
	}
	r.setStatus(RunInterrupted)
	r.logger.Info("workflow interrupted, resuming",
		"event_id", interrupt.EventID,
		"interrupt_type", interrupt.Type,
		"node", interrupt.NodeTitle,
	)
	stream, err := r.driver.client.Resume(ctx, ResumeRequest{
		WorkflowID:    r.workflowID,
		EventID:       interrupt.EventID,
		ResumeData:    r.driver.resumeData,
		InterruptType: interrupt.Type,
	})
	if err != nil {
		return fmt.Errorf("resume workflow: %w", err)
	}
	defer stream.Close()
	for {
		evt, err := stream.Next()
		if errors.Is(err, io.EOF) {
			r.setStatus(RunStreaming)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read resume stream: %w", err)
		}
		switch evt.Kind {
		case EventMessage:
			r.appendMessage(evt)
		case EventError:
			return &workflowError{message: evt.Error}
		case EventInterrupt:
			eventID := ""
			if evt.Interrupt != nil {
				eventID = evt.Interrupt.EventID
			}
			return fmt.Errorf("%w: event %s", ErrNestedInterrupt, eventID)
		default:
			r.ignore(evt)
		}
	}
}

func (r *workflowRun) complete() Outcome {
	r.setStatus(RunCompleted)
	output, _ := r.driver.resolver.Resolve(r.messages)
	r.driver.metrics.observeRun(RunCompleted, time.Since(r.startedAt))
	r.logger.Info("workflow completed", "messages", len(r.messages), "interrupts", r.interrupts, "output", output)
	return Outcome{
		Success:    true,
		Messages:   r.messages,
		Output:     output,
		Interrupts: r.interrupts,
	}
}

// fail reports the run as failed. Engine error events drop the accumulated messages;
// transport and protocol failures keep them for diagnostics.
func (r *workflowRun) fail(err error) Outcome {
	r.setStatus(RunFailed)
	r.driver.metrics.observeRun(RunFailed, time.Since(r.startedAt))
	outcome := Outcome{
		Success:    false,
		Error:      err.Error(),
		Interrupts: r.interrupts,
	}
	var engineErr *workflowError
	if errors.As(err, &engineErr) {
		r.logger.Error("workflow reported error", "error", engineErr.message)
		return outcome
	}
	r.logger.Error("workflow run failed", "error", err, "messages", len(r.messages))
	outcome.Messages = r.messages
	return outcome
}

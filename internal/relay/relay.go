package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Trigger is one admitted request to run the workflow. It is immutable once it has
// been submitted.
type Trigger struct {
	TriggerID   string    `json:"triggerId"`
	SourceRef   string    `json:"sourceRef,omitempty"`
	PayloadText string    `json:"payloadText,omitempty"`
	Mentioned   bool      `json:"mentioned"`
	MentionIDs  []string  `json:"mentionIds,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
	// Direct triggers carry the input link in PayloadText and skip the mention and
	// link checks.
	Direct bool `json:"direct,omitempty"`
}

type QueuedResponse struct {
	Status    string `json:"status"`
	TriggerID string `json:"triggerId"`
}

const (
	QueuedStatus    = "queued"
	DuplicateStatus = "duplicate"
)

type IngressStatus struct {
	QueueDepth       int     `json:"queueDepth"`
	QueueCapacity    int     `json:"queueCapacity"`
	QueueUtilization float64 `json:"queueUtilization"`
	ActiveRuns       int64   `json:"activeRuns"`
	AcceptedTotal    uint64  `json:"acceptedTotal"`
	DedupedTotal     uint64  `json:"dedupedTotal"`
	DroppedTotal     uint64  `json:"droppedTotal"`
	IgnoredTotal     uint64  `json:"ignoredTotal"`
	RejectedTotal    uint64  `json:"rejectedTotal"`
}

type Options struct {
	Ledger         Ledger
	Driver         *Driver
	Dispatcher     Dispatcher
	Tracker        *RunTracker
	Metrics        *Metrics
	Queue          TriggerQueue
	Workers        int
	QueueSize      int
	WorkflowID     string
	DefaultChatID  string
	RequireMention bool
	BotOpenID      string
	Logger         *slog.Logger
	DisableWorkers bool
}

// Relay admits triggers exactly once, runs the workflow for each on a bounded
// worker pool and posts the result card back to the chat.
type Relay struct {
	ledger         Ledger
	driver         *Driver
	dispatcher     Dispatcher
	tracker        *RunTracker
	metrics        *Metrics
	queue          TriggerQueue
	workflowID     string
	defaultChatID  string
	requireMention bool
	botOpenID      string
	logger         *slog.Logger
	now            func() time.Time

	accepted   atomic.Uint64
	deduped    atomic.Uint64
	dropped    atomic.Uint64
	ignored    atomic.Uint64
	rejected   atomic.Uint64
	activeRuns atomic.Int64

	// submitMu orders Submit against Shutdown: nothing is admitted once closed is
	// closed.
	submitMu    sync.RWMutex
	closed      chan struct{}
	closeOnce   sync.Once
	dequeueCtx  context.Context
	stopDequeue context.CancelFunc
	runCtx      context.Context
	cancelRuns  context.CancelFunc
	wg          sync.WaitGroup
}

func New(opts Options) (*Relay, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("%w: driver is required", ErrInvalidInput)
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", ErrInvalidInput)
	}
	workflowID := strings.TrimSpace(opts.WorkflowID)
	if workflowID == "" {
		return nil, fmt.Errorf("%w: workflow id is required", ErrInvalidInput)
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger(LedgerOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewRunTracker(0, logger)
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryTriggerQueue(queueSize)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	dequeueCtx, stopDequeue := context.WithCancel(context.Background())
	runCtx, cancelRuns := context.WithCancel(context.Background())

	r := &Relay{
		ledger:         ledger,
		driver:         opts.Driver,
		dispatcher:     opts.Dispatcher,
		tracker:        tracker,
		metrics:        opts.Metrics,
		queue:          queue,
		workflowID:     workflowID,
		defaultChatID:  strings.TrimSpace(opts.DefaultChatID),
		requireMention: opts.RequireMention,
		botOpenID:      strings.TrimSpace(opts.BotOpenID),
		logger:         logger,
		now:            time.Now,
		closed:         make(chan struct{}),
		dequeueCtx:     dequeueCtx,
		stopDequeue:    stopDequeue,
		runCtx:         runCtx,
		cancelRuns:     cancelRuns,
	}
	if !opts.DisableWorkers {
		r.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer r.wg.Done()
				r.worker()
			}()
		}
	}
	return r, nil
}

// Submit admits the trigger and schedules it without waiting for the run. A
// duplicate id is reported with DuplicateStatus and a nil error. When the queue is
// full the admission is rolled back and ErrQueueFull returned, so no run ever
// started for that id.
func (r *Relay) Submit(ctx context.Context, trigger Trigger) (QueuedResponse, error) {
	r.submitMu.RLock()
	defer r.submitMu.RUnlock()
	select {
	case <-r.closed:
		return QueuedResponse{}, ErrClosed
	default:
	}
	trigger.TriggerID = strings.TrimSpace(trigger.TriggerID)
	if trigger.TriggerID == "" {
		r.RecordRejected()
		return QueuedResponse{}, fmt.Errorf("%w: trigger id is required", ErrInvalidInput)
	}
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = r.now().UTC()
	}
	logger := r.logger.With("trigger_id", trigger.TriggerID)

	admitted, err := r.ledger.Admit(ctx, trigger.TriggerID)
	if err != nil {
		return QueuedResponse{}, fmt.Errorf("admit trigger: %w", err)
	}
	if !admitted {
		r.deduped.Add(1)
		r.metrics.observeTrigger("deduped")
		logger.Info("trigger already processed")
		return QueuedResponse{Status: DuplicateStatus, TriggerID: trigger.TriggerID}, nil
	}
	if !r.queue.TryEnqueue(trigger) {
		if err := r.ledger.Forget(ctx, trigger.TriggerID); err != nil {
			logger.Error("rolling back admission failed", "error", err)
		}
		r.dropped.Add(1)
		r.metrics.observeTrigger("dropped")
		logger.Warn("trigger queue full", "capacity", r.queue.Capacity())
		return QueuedResponse{}, ErrQueueFull
	}
	r.accepted.Add(1)
	r.metrics.observeTrigger("accepted")
	logger.Info("trigger queued", "chat_id", trigger.SourceRef)
	return QueuedResponse{Status: QueuedStatus, TriggerID: trigger.TriggerID}, nil
}

// RecordIgnored counts a callback that was valid but carried nothing to run.
func (r *Relay) RecordIgnored() {
	r.ignored.Add(1)
	r.metrics.observeTrigger("ignored")
}

// RecordRejected counts a callback refused before admission.
func (r *Relay) RecordRejected() {
	r.rejected.Add(1)
	r.metrics.observeTrigger("rejected")
}

func (r *Relay) IngressStatus() IngressStatus {
	depth := r.queue.Depth()
	capacity := r.queue.Capacity()
	utilization := 0.0
	if capacity > 0 {
		utilization = float64(depth) / float64(capacity)
	}
	return IngressStatus{
		QueueDepth:       depth,
		QueueCapacity:    capacity,
		QueueUtilization: utilization,
		ActiveRuns:       r.activeRuns.Load(),
		AcceptedTotal:    r.accepted.Load(),
		DedupedTotal:     r.deduped.Load(),
		DroppedTotal:     r.dropped.Load(),
		IgnoredTotal:     r.ignored.Load(),
		RejectedTotal:    r.rejected.Load(),
	}
}

func (r *Relay) QueueDepth() int {
	return r.queue.Depth()
}

func (r *Relay) Tracker() *RunTracker {
	return r.tracker
}

func (r *Relay) worker() {
	for {
		trigger, ok := r.queue.Dequeue(r.dequeueCtx)
		if !ok {
			return
		}
		if r.dequeueCtx.Err() != nil {
			r.release(trigger)
			return
		}
		r.process(trigger)
	}
}

func (r *Relay) process(trigger Trigger) {
	logger := r.logger.With("trigger_id", trigger.TriggerID)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("trigger processing panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	inputURL, chatID, ok := r.route(trigger, logger)
	if !ok {
		r.RecordIgnored()
		return
	}
	r.Execute(r.runCtx, trigger.TriggerID, chatID, inputURL)
}

// route applies the message checks: the bot must be mentioned when required, the
// text must hold a document link and the chat must be known.
func (r *Relay) route(trigger Trigger, logger *slog.Logger) (string, string, bool) {
	chatID := trigger.SourceRef
	if trigger.Direct {
		if chatID == "" {
			chatID = r.defaultChatID
		}
		inputURL := strings.TrimSpace(trigger.PayloadText)
		if inputURL == "" {
			logger.Warn("direct trigger without input link")
			return "", "", false
		}
		return inputURL, chatID, true
	}
	if r.requireMention && !r.mentionsBot(trigger) {
		logger.Info("message does not mention the bot, ignoring")
		return "", "", false
	}
	if strings.TrimSpace(trigger.PayloadText) == "" {
		logger.Warn("message has no text content")
		return "", "", false
	}
	inputURL, found := ExtractDocURL(trigger.PayloadText)
	if !found {
		logger.Warn("message has no document link")
		return "", "", false
	}
	if chatID == "" {
		logger.Error("message has no chat id")
		return "", "", false
	}
	return inputURL, chatID, true
}

func (r *Relay) mentionsBot(trigger Trigger) bool {
	if !trigger.Mentioned {
		return false
	}
	if r.botOpenID == "" {
		return true
	}
	for _, id := range trigger.MentionIDs {
		if id == r.botOpenID {
			return true
		}
	}
	return false
}

// Execute runs the workflow for inputURL synchronously and notifies chatID with the
// result. It is what workers call for every routed trigger.
func (r *Relay) Execute(ctx context.Context, triggerID, chatID, inputURL string) RunRecord {
	r.activeRuns.Add(1)
	defer r.activeRuns.Add(-1)

	rec := r.tracker.Start(triggerID, chatID, inputURL)
	logger := r.logger.With("trigger_id", triggerID, "run_id", rec.RunID)
	logger.Info("starting workflow run", "input_url", inputURL, "chat_id", chatID)

	outcome := r.driver.RunObserved(ctx, r.workflowID, inputURL, func(status RunStatus) {
		if !status.Terminal() {
			r.tracker.SetStatus(rec.RunID, status)
		}
	})
	r.tracker.Finish(rec.RunID, outcome)

	var card Card
	if outcome.Success {
		card = SuccessCard(inputURL, outcome, r.now())
	} else {
		card = ErrorCard(inputURL, outcome.Error, r.now())
	}
	// The run context may already be cancelled during shutdown; the card still gets
	// its own bounded attempt.
	sendCtx := context.WithoutCancel(ctx)
	notified := r.dispatcher.Send(sendCtx, chatID, card)
	if !notified {
		logger.Error("result card not delivered", "card_status", card.Status)
	}
	r.tracker.MarkNotified(rec.RunID, notified)

	final, _ := r.tracker.Get(rec.RunID)
	if final.RunID == "" {
		final = rec
	}
	return final
}

// Shutdown stops accepting triggers and waits for in-flight runs. If ctx ends first
// the runs are cancelled. Triggers still queued are released from the ledger since
// they never ran.
func (r *Relay) Shutdown(ctx context.Context) error {
	var shutdownErr error
	r.closeOnce.Do(func() {
		r.submitMu.Lock()
		close(r.closed)
		r.stopDequeue()
		r.submitMu.Unlock()
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			r.cancelRuns()
			<-done
			shutdownErr = ctx.Err()
		}
		r.cancelRuns()
		r.releaseQueued()
		if err := r.queue.Close(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := r.ledger.Close(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	})
	return shutdownErr
}

func (r *Relay) Close() {
	_ = r.Shutdown(context.Background())
}

func (r *Relay) releaseQueued() {
	released := 0
	for r.queue.Depth() > 0 {
		trigger, ok := r.queue.Dequeue(context.Background())
		if !ok {
			break
		}
		r.release(trigger)
		released++
	}
	if released > 0 {
		r.logger.Warn("released queued triggers on shutdown", "count", released)
	}
}

// release forgets a trigger that never started so a redelivery can run it.
func (r *Relay) release(trigger Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ledger.Forget(ctx, trigger.TriggerID); err != nil {
		r.logger.Error("releasing queued trigger failed", "trigger_id", trigger.TriggerID, "error", err)
	}
}

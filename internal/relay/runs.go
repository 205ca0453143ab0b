package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunRecord is the diagnostic view of one workflow run. History is held in memory
// only.
type RunRecord struct {
	RunID        string     `json:"runId"`
	TriggerID    string     `json:"triggerId"`
	ChatID       string     `json:"chatId,omitempty"`
	InputURL     string     `json:"inputUrl"`
	Status       RunStatus  `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	MessageCount int        `json:"messageCount"`
	Interrupts   int        `json:"interrupts"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Notified     bool       `json:"notified"`
}

const (
	defaultRunHistory    = 500
	runSubscriberBacklog = 64
)

// RunTracker keeps the most recent run records and fans updates out to live
// subscribers. Slow subscribers miss updates rather than stall runs.
type RunTracker struct {
	mu          sync.RWMutex
	maxRecords  int
	records     map[string]*RunRecord
	order       []string
	subscribers map[chan RunRecord]struct{}
	logger      *slog.Logger
	now         func() time.Time
}

func NewRunTracker(maxRecords int, logger *slog.Logger) *RunTracker {
	if maxRecords <= 0 {
		maxRecords = defaultRunHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunTracker{
		maxRecords:  maxRecords,
		records:     map[string]*RunRecord{},
		subscribers: map[chan RunRecord]struct{}{},
		logger:      logger,
		now:         time.Now,
	}
}

func (t *RunTracker) Start(triggerID, chatID, inputURL string) RunRecord {
	rec := &RunRecord{
		RunID:     uuid.NewString(),
		TriggerID: triggerID,
		ChatID:    chatID,
		InputURL:  inputURL,
		Status:    RunPending,
		StartedAt: t.now().UTC(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.RunID] = rec
	t.order = append(t.order, rec.RunID)
	for len(t.order) > t.maxRecords {
		delete(t.records, t.order[0])
		t.order = t.order[1:]
	}
	t.publishLocked(*rec)
	return *rec
}

func (t *RunTracker) SetStatus(runID string, status RunStatus) {
	t.update(runID, func(rec *RunRecord) {
		rec.Status = status
	})
}

func (t *RunTracker) Finish(runID string, outcome Outcome) {
	t.update(runID, func(rec *RunRecord) {
		finished := t.now().UTC()
		rec.FinishedAt = &finished
		rec.Status = RunCompleted
		if !outcome.Success {
			rec.Status = RunFailed
		}
		rec.Output = outcome.Output
		rec.Error = outcome.Error
		rec.MessageCount = len(outcome.Messages)
		rec.Interrupts = outcome.Interrupts
	})
}

func (t *RunTracker) MarkNotified(runID string, notified bool) {
	t.update(runID, func(rec *RunRecord) {
		rec.Notified = notified
	})
}

func (t *RunTracker) update(runID string, mutate func(rec *RunRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[runID]
	if !ok {
		return
	}
	mutate(rec)
	t.publishLocked(*rec)
}

func (t *RunTracker) Get(runID string) (RunRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *rec, true
}

// List returns up to limit records, newest first. A non-positive limit returns all
// of them.
func (t *RunTracker) List(limit int) []RunRecord {
	t.mu.RLock()
	out := make([]RunRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *RunTracker) Subscribe() (<-chan RunRecord, func()) {
	ch := make(chan RunRecord, runSubscriberBacklog)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *RunTracker) publishLocked(rec RunRecord) {
	for ch := range t.subscribers {
		select {
		case ch <- rec:
		default:
			t.logger.Warn("run update dropped for slow subscriber", "run_id", rec.RunID, "status", rec.Status)
		}
	}
}

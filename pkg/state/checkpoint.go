package state

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// StateCarrier is the slice of the runtime surface the checkpointer needs.
// Both the local and the cluster worker runtime satisfy it.
type StateCarrier interface {
	SaveState(ctx context.Context) (map[string]map[string]any, error)
	LoadState(ctx context.Context, state map[string]map[string]any) error
}

// Checkpointer periodically snapshots a runtime into a store and restores it
// on demand. The schedule is a cron expression ("*/5 * * * *", "@hourly") or
// a duration string ("30s").
type Checkpointer struct {
	rt          StateCarrier
	store       Store
	runtimeID   string
	schedule    string
	saveTimeout time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// CheckpointOption configures a Checkpointer.
type CheckpointOption func(*Checkpointer)

// WithRuntimeID sets the ID snapshots are stored under (default: "default").
func WithRuntimeID(id string) CheckpointOption {
	return func(c *Checkpointer) { c.runtimeID = id }
}

// WithSchedule sets the auto-save schedule, either a cron expression or a
// duration string (default: "1m").
func WithSchedule(spec string) CheckpointOption {
	return func(c *Checkpointer) { c.schedule = spec }
}

// WithSaveTimeout bounds each snapshot write (default: 30s).
func WithSaveTimeout(d time.Duration) CheckpointOption {
	return func(c *Checkpointer) { c.saveTimeout = d }
}

// NewCheckpointer wires a runtime to a store. Start begins auto-saving;
// Save and Restore work without Start for one-shot use.
func NewCheckpointer(rt StateCarrier, store Store, opts ...CheckpointOption) *Checkpointer {
	c := &Checkpointer{
		rt:          rt,
		store:       store,
		runtimeID:   "default",
		schedule:    "1m",
		saveTimeout: 30 * time.Second,
		cron:        cron.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the auto-save schedule.
func (c *Checkpointer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	schedule, err := parseSchedule(c.schedule)
	if err != nil {
		return fmt.Errorf("checkpoint schedule %q: %w", c.schedule, err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cron.Schedule(schedule, cron.FuncJob(c.tick))
	c.cron.Start()
	c.started = true
	log.Printf("[Checkpoint] auto-save every %s to runtime id %q", c.schedule, c.runtimeID)
	return nil
}

func (c *Checkpointer) tick() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()

	start := time.Now()
	if err := c.Save(saveCtx); err != nil {
		log.Printf("[Checkpoint] WARNING: auto-save failed after %s: %v", time.Since(start), err)
	}
}

// Stop takes a final snapshot, then halts the schedule and waits for any
// running save to finish.
func (c *Checkpointer) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	ctx, cancelSave := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancelSave()
	saveErr := c.Save(ctx)

	cancel()
	stopCtx := c.cron.Stop()
	<-stopCtx.Done()

	if saveErr != nil {
		return fmt.Errorf("final checkpoint: %w", saveErr)
	}
	return nil
}

// Save snapshots the runtime into the store now.
func (c *Checkpointer) Save(ctx context.Context) error {
	snapshot, err := c.rt.SaveState(ctx)
	if err != nil {
		return fmt.Errorf("snapshot runtime: %w", err)
	}
	if err := c.store.Save(ctx, c.runtimeID, snapshot); err != nil {
		return err
	}
	log.Printf("[Checkpoint] saved state of %d agents under %q", len(snapshot), c.runtimeID)
	return nil
}

// Restore loads the stored snapshot into the runtime.
// Returns ErrSnapshotNotFound if nothing was saved under the runtime ID.
func (c *Checkpointer) Restore(ctx context.Context) error {
	snapshot, err := c.store.Load(ctx, c.runtimeID)
	if err != nil {
		return err
	}
	if err := c.rt.LoadState(ctx, snapshot); err != nil {
		return fmt.Errorf("restore runtime: %w", err)
	}
	log.Printf("[Checkpoint] restored state of %d agents from %q", len(snapshot), c.runtimeID)
	return nil
}

// parseSchedule reads spec as a cron expression first, then as a duration.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", spec)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return cron.Every(dur), nil
}

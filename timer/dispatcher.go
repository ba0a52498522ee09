// Package timer arms and cancels the wall-clock tasks behind contribution
// deadlines and reminders. The dispatcher subscribes to the event bus: a
// recorded contribution arms one deadline task and up to three reminder
// tasks, a completed contribution cancels them. Fires are advisory; the
// deadline transition re-checks state under its own lease and a reminder is
// suppressed once the transaction is terminal.
package timer

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/config/features"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/scheduler"
)

var log = logrus.WithField("prefix", "timer")

const (
	deadlinePrefix = "deadline:"
	reminderPrefix = "reminder:"
)

// Expirer applies the deadline_elapsed transition to a transaction.
type Expirer interface {
	Expire(ctx context.Context, txID string) error
}

// Dispatcher owns the deadline and reminder schedule for contributions.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	db     iface.ReadOnlyDatabase
	sched  scheduler.Scheduler
	bus    *feed.Bus
	fsm    Expirer
	clock  clock.Clock
}

// Config holds the dispatcher's dependencies.
type Config struct {
	Database  iface.ReadOnlyDatabase
	Scheduler scheduler.Scheduler
	Bus       *feed.Bus
	Expirer   Expirer
	Clock     clock.Clock
}

// NewDispatcher instantiates a timer dispatcher. A nil Scheduler wires an
// in-process one delivering fires back to the dispatcher.
func NewDispatcher(ctx context.Context, cfg *Config) *Dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	d := &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		db:     cfg.Database,
		sched:  cfg.Scheduler,
		bus:    cfg.Bus,
		fsm:    cfg.Expirer,
		clock:  c,
	}
	if d.sched == nil {
		d.sched = scheduler.NewMemoryScheduler(ctx, c, d.Fire)
	}
	return d
}

// Start subscribes to the bus and begins arming tasks.
func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	ch := make(chan *feed.Event, 64)
	sub := d.bus.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			d.handle(ev)
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Event subscription failed")
			}
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(ev *feed.Event) {
	switch ev.Type {
	case feed.ContributionRecorded:
		data, ok := ev.Data.(*feed.ContributionData)
		if !ok {
			return
		}
		d.ArmContribution(data.TransactionID, data.DeadlineAt)
	case feed.ContributionCompleted:
		data, ok := ev.Data.(*feed.ContributionData)
		if !ok {
			return
		}
		d.CancelContribution(data.TransactionID)
	}
}

// ArmContribution schedules the deadline fire for the transaction, plus the
// configured reminder fires that still lie in the future.
func (d *Dispatcher) ArmContribution(txID string, deadline time.Time) {
	d.sched.Arm(deadlinePrefix+txID, deadline, nil)
	if features.Get().DisableReminders {
		return
	}
	now := d.clock.Now().UTC()
	for _, offset := range params.ChamaConfig().ReminderOffsets {
		at := deadline.Add(-offset)
		if !at.After(now) {
			continue
		}
		d.sched.Arm(reminderTaskID(txID, offset), at, nil)
	}
}

// CancelContribution removes every scheduled fire for the transaction.
func (d *Dispatcher) CancelContribution(txID string) {
	d.sched.Cancel(scheduler.HandleFor(deadlinePrefix + txID))
	for _, offset := range params.ChamaConfig().ReminderOffsets {
		d.sched.Cancel(scheduler.HandleFor(reminderTaskID(txID, offset)))
	}
}

// Fire is the scheduler's entry point. It routes deadline fires to the
// transaction state machine and reminder fires back onto the bus.
func (d *Dispatcher) Fire(taskID string, _ interface{}) {
	switch {
	case strings.HasPrefix(taskID, deadlinePrefix):
		txID := strings.TrimPrefix(taskID, deadlinePrefix)
		if err := d.fsm.Expire(d.ctx, txID); err != nil {
			log.WithError(err).WithField("transaction", txID).Error("Could not apply deadline transition")
		}
	case strings.HasPrefix(taskID, reminderPrefix):
		d.remind(strings.TrimPrefix(taskID, reminderPrefix))
	default:
		log.WithField("task", taskID).Warn("Ignoring unknown task fire")
	}
}

func (d *Dispatcher) remind(rest string) {
	// Task ids are "reminder:{txID}:{offsetSeconds}".
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return
	}
	txID := rest[:idx]
	txn, err := d.db.Transaction(d.ctx, txID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.WithError(err).WithField("transaction", txID).Error("Could not read transaction for reminder")
		}
		return
	}
	if txn.Status.Terminal() {
		return
	}
	d.bus.Send(&feed.Event{Type: feed.ContributionReminder, Data: &feed.ReminderData{
		GroupID:       txn.GroupID,
		TransactionID: txn.ID,
		FromMember:    txn.FromMember,
		DeadlineAt:    txn.DeadlineAt,
		Remaining:     txn.DeadlineAt.Sub(d.clock.Now().UTC()),
	}})
}

// Stop terminates the dispatcher.
func (d *Dispatcher) Stop() error {
	d.cancel()
	return nil
}

// Status is always healthy while the context is live.
func (d *Dispatcher) Status() error {
	if err := d.ctx.Err(); err != nil {
		return errors.Wrap(err, "timer dispatcher stopped")
	}
	return nil
}

func reminderTaskID(txID string, offset time.Duration) string {
	return reminderPrefix + txID + ":" + offset.String()
}

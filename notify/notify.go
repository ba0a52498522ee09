// Package notify carries user-facing signals out of the engine. The core
// only emits a machine template key and structured variables; rendering and
// localization happen behind the sink. Delivery is at-least-once, recipients
// dedupe by event id.
package notify

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/feed"
)

var log = logrus.WithField("prefix", "notify")

// Sink is the outbound notification port.
type Sink interface {
	Emit(ctx context.Context, eventKind, recipientRef, templateKey string, vars map[string]string) error
}

// LogSink writes notifications to the process log. Default node wiring.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(_ context.Context, eventKind, recipientRef, templateKey string, vars map[string]string) error {
	log.WithFields(logrus.Fields{
		"event":     eventKind,
		"recipient": recipientRef,
		"template":  templateKey,
		"vars":      vars,
	}).Info("Notification emitted")
	return nil
}

// MemorySink records notifications for tests.
type MemorySink struct {
	mu      sync.Mutex
	Emitted []Notification
}

// Notification is one recorded emission.
type Notification struct {
	EventKind    string
	RecipientRef string
	TemplateKey  string
	Vars         map[string]string
}

// Emit implements Sink.
func (s *MemorySink) Emit(_ context.Context, eventKind, recipientRef, templateKey string, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Emitted = append(s.Emitted, Notification{
		EventKind:    eventKind,
		RecipientRef: recipientRef,
		TemplateKey:  templateKey,
		Vars:         vars,
	})
	return nil
}

// Count returns how many notifications have been emitted.
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Emitted)
}

// Notifier subscribes to the event bus and maps domain events onto sink
// emissions.
type Notifier struct {
	ctx    context.Context
	cancel context.CancelFunc
	bus    *feed.Bus
	sink   Sink
}

// NewNotifier instantiates a bus-driven notifier.
func NewNotifier(ctx context.Context, bus *feed.Bus, sink Sink) *Notifier {
	ctx, cancel := context.WithCancel(ctx)
	return &Notifier{ctx: ctx, cancel: cancel, bus: bus, sink: sink}
}

// Start launches the event loop.
func (n *Notifier) Start() {
	go n.run()
}

func (n *Notifier) run() {
	ch := make(chan *feed.Event, 64)
	sub := n.bus.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			n.dispatch(ev)
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Event subscription failed")
			}
			return
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Notifier) dispatch(ev *feed.Event) {
	var err error
	switch ev.Type {
	case feed.ContributionReminder:
		data, ok := ev.Data.(*feed.ReminderData)
		if !ok {
			return
		}
		err = n.sink.Emit(n.ctx, "contribution_reminder", data.FromMember, "reminder.contribution_due", map[string]string{
			"deadline_at":       data.DeadlineAt.Format("2006-01-02 15:04:05 UTC"),
			"remaining_seconds": strconv.FormatInt(int64(data.Remaining.Seconds()), 10),
		})
	case feed.ContributionDefaulted:
		data, ok := ev.Data.(*feed.DefaultedData)
		if !ok {
			return
		}
		err = n.sink.Emit(n.ctx, "contribution_defaulted", data.MemberID, "default.contribution_missed", map[string]string{
			"amount": data.Amount.String(),
		})
	case feed.MemberSuspended:
		data, ok := ev.Data.(*feed.SuspensionData)
		if !ok {
			return
		}
		err = n.sink.Emit(n.ctx, "member_suspended", data.MemberID, "default.suspended", map[string]string{
			"replenishment_due": data.ReplenishmentDue.String(),
			"removed":           strconv.FormatBool(data.RemovedFromWheel),
		})
	case feed.RotationAdvanced:
		data, ok := ev.Data.(*feed.RotationData)
		if !ok {
			return
		}
		err = n.sink.Emit(n.ctx, "rotation_advanced", data.RecipientID, "rotation.payout_due", map[string]string{
			"rotation_index": strconv.Itoa(data.RotationIndex),
		})
	case feed.GroupHalted:
		data, ok := ev.Data.(*feed.HaltData)
		if !ok {
			return
		}
		err = n.sink.Emit(n.ctx, "group_halted", data.GroupID, "group.halted", map[string]string{
			"reason": data.Reason,
		})
	case feed.CycleClosed:
		data, ok := ev.Data.(*feed.CycleClosedData)
		if !ok {
			return
		}
		err = n.sink.Emit(n.ctx, "cycle_closed", data.GroupID, "cycle.completed", map[string]string{
			"rotations":         strconv.Itoa(data.CompletedRotations),
			"deposits_returned": strconv.Itoa(data.DepositsReturned),
		})
	default:
		return
	}
	if err != nil {
		log.WithError(err).Error("Could not emit notification")
	}
}

// Stop terminates the event loop.
func (n *Notifier) Stop() error {
	n.cancel()
	return nil
}

// Status is always healthy while the context is live.
func (n *Notifier) Status() error {
	if err := n.ctx.Err(); err != nil {
		return errors.Wrap(err, "notifier stopped")
	}
	return nil
}

package drip

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumora/leadgate/internal/pkg/distlock"
	"github.com/lumora/leadgate/internal/pkg/logger"
)

// Engine drives the sequence: enrolling subscribers on trigger events and
// dispatching due sends on a polling loop. Sends live in the database, so a
// restart resumes where the last process stopped; catch-up after downtime
// dispatches one step per sweep and reschedules the rest relative to now,
// never bursting missed steps.
type Engine struct {
	store     Storage
	email     EmailSender
	whatsapp  WhatsAppSender
	renderer  *TemplateRenderer
	steps     []Step
	interval  time.Duration
	batchSize int
	lock      distlock.DistLock

	ctx       context.Context
	cancel    context.CancelFunc
	lastRunAt time.Time
	healthy   bool
}

// DispatchedSend reports one completed dispatch from a sweep.
type DispatchedSend struct {
	SubscriberID uuid.UUID
	Email        string
	StepNumber   int
	StepName     string
	Failed       bool
}

// NewEngine creates a sequencer over the given storage and senders. Either
// sender may be nil, which skips that channel.
func NewEngine(store Storage, email EmailSender, whatsapp WhatsAppSender, steps []Step) *Engine {
	if len(steps) == 0 {
		steps = DefaultSequence()
	}
	return &Engine{
		store:     store,
		email:     email,
		whatsapp:  whatsapp,
		renderer:  NewTemplateRenderer(),
		steps:     steps,
		interval:  30 * time.Second,
		batchSize: 100,
		healthy:   true,
	}
}

// SetInterval overrides the sweep interval.
func (e *Engine) SetInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// SetBatchSize overrides how many due sends one sweep handles.
func (e *Engine) SetBatchSize(n int) {
	if n > 0 {
		e.batchSize = n
	}
}

// SetLock installs a distributed lock so only one instance sweeps at a time.
func (e *Engine) SetLock(lock distlock.DistLock) {
	e.lock = lock
}

// Start launches the background sweep loop.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	go func() {
		logger.Info("drip engine started", "steps", fmt.Sprintf("%d", len(e.steps)))
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				logger.Info("drip engine stopped")
				return
			case now := <-ticker.C:
				e.sweep(now)
			}
		}
	}()
}

// sweep runs one dispatch pass, holding the distributed lock when one is
// configured. A sweep that loses the lock race is skipped; the next tick
// picks up whatever is still due.
func (e *Engine) sweep(now time.Time) {
	if e.lock != nil {
		ok, err := e.lock.Acquire(e.ctx)
		if err != nil {
			logger.Warn("drip sweep: lock acquire failed", "error", err.Error())
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := e.lock.Release(e.ctx); err != nil {
				logger.Warn("drip sweep: lock release failed", "error", err.Error())
			}
		}()
	}
	e.processDue(now)
}

// Stop halts the sweep loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// IsHealthy reports whether the last sweep completed without a storage error.
func (e *Engine) IsHealthy() bool { return e.healthy }

// LastRunAt returns the start time of the last sweep.
func (e *Engine) LastRunAt() time.Time { return e.lastRunAt }

// Steps returns the configured sequence.
func (e *Engine) Steps() []Step { return e.steps }

// Trigger enrolls a subscriber for a signup or query event and schedules the
// first step. An email that is already enrolled is left untouched, so repeat
// submissions don't restart the sequence.
func (e *Engine) Trigger(ctx context.Context, event, email, firstName, lastName, phone string) error {
	existing, err := e.store.GetSubscriberByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Debug("duplicate trigger ignored", "event", event, "email", email)
		return nil
	}

	sub := &Subscriber{
		ID:        uuid.New(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Phone:     phone,
		Active:    true,
	}
	if err := e.store.CreateSubscriber(ctx, sub); err != nil {
		return err
	}

	first := e.steps[0]
	send := &ScheduledSend{
		SubscriberID: sub.ID,
		StepNumber:   first.Number,
		ScheduledFor: time.Now().Add(first.Delay),
		Status:       SendPending,
	}
	if err := e.store.CreateSend(ctx, send); err != nil {
		return err
	}

	logger.Info("subscriber enrolled", "event", event, "email", email)
	return nil
}

// Unsubscribe deactivates a subscriber and cancels pending sends. Dispatch
// re-checks activity as well, closing the race where a send was already
// queued when the unsubscribe arrived. Unknown emails are not an error.
func (e *Engine) Unsubscribe(ctx context.Context, email string) error {
	sub, err := e.store.DeactivateSubscriber(ctx, email)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	if err := e.store.CancelPending(ctx, sub.ID); err != nil {
		return err
	}
	logger.Info("subscriber unsubscribed", "email", email)
	return nil
}

// processDue dispatches every due send whose subscriber is still active,
// marking the row and scheduling the following step. For a subscriber with
// several overdue steps only the earliest is pending, so one sweep advances
// each subscriber at most one step.
func (e *Engine) processDue(now time.Time) []DispatchedSend {
	e.lastRunAt = now
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	due, err := e.store.ListDue(ctx, now, e.batchSize)
	if err != nil {
		logger.Error("drip sweep: list due", "error", err.Error())
		e.healthy = false
		return nil
	}
	e.healthy = true

	var dispatched []DispatchedSend
	for _, send := range due {
		if ctx.Err() != nil {
			return dispatched
		}

		sub, err := e.store.GetSubscriber(ctx, send.SubscriberID)
		if err != nil {
			logger.Error("drip sweep: load subscriber", "error", err.Error())
			continue
		}
		if sub == nil || !sub.Active {
			// Unsubscribed after this send was queued.
			e.markSend(ctx, send.ID, SendCanceled, "subscriber inactive")
			continue
		}
		if send.StepNumber != sub.CurrentStep {
			// Stale row from a previous state; never dispatch out of order.
			e.markSend(ctx, send.ID, SendCanceled, "out of sequence")
			continue
		}
		if send.StepNumber >= len(e.steps) {
			// Row persisted against a longer step catalog than the one now
			// configured.
			e.markSend(ctx, send.ID, SendCanceled, "step no longer configured")
			continue
		}

		step := e.steps[send.StepNumber]
		dispatchErr := e.dispatch(ctx, sub, step)
		if dispatchErr != nil {
			// Best-effort side channel: record the failure and move on so a
			// broken provider can't wedge the whole sequence.
			logger.Error("drip dispatch failed",
				"email", sub.Email, "step", step.Name, "error", dispatchErr.Error())
			e.markSend(ctx, send.ID, SendFailed, dispatchErr.Error())
		} else {
			e.markSend(ctx, send.ID, SendSent, "")
			logger.Info("drip step dispatched", "email", sub.Email, "step", step.Name)
		}

		if err := e.advance(ctx, sub, now); err != nil {
			logger.Error("drip sweep: advance", "email", sub.Email, "error", err.Error())
			continue
		}

		dispatched = append(dispatched, DispatchedSend{
			SubscriberID: sub.ID,
			Email:        sub.Email,
			StepNumber:   step.Number,
			StepName:     step.Name,
			Failed:       dispatchErr != nil,
		})
	}
	return dispatched
}

// markSend updates a send row's status, logging the error if the update is
// lost. A lost update leaves the row pending; the out-of-sequence cancel on
// the next sweep keeps it from dispatching twice.
func (e *Engine) markSend(ctx context.Context, sendID uuid.UUID, status, detail string) {
	if err := e.store.MarkSend(ctx, sendID, status, detail); err != nil {
		logger.Error("drip sweep: mark send", "send_id", sendID.String(), "status", status, "error", err.Error())
	}
}

// dispatch sends a step over its configured channels. WhatsApp is skipped
// when the subscriber has no phone number.
func (e *Engine) dispatch(ctx context.Context, sub *Subscriber, step Step) error {
	vars := SubscriberVars(sub)

	if step.Channel == ChannelEmail || step.Channel == ChannelBoth {
		if e.email != nil {
			if err := e.email.Send(ctx, sub.Email, step.Template, vars); err != nil {
				return fmt.Errorf("email %s: %w", step.Template, err)
			}
		}
	}

	if step.Channel == ChannelWhatsApp || step.Channel == ChannelBoth {
		if e.whatsapp != nil && sub.Phone != "" {
			text, err := e.renderer.RenderWhatsApp(step.Template, vars)
			if err != nil {
				return err
			}
			if err := e.whatsapp.Send(ctx, sub.Phone, text); err != nil {
				return fmt.Errorf("whatsapp %s: %w", step.Template, err)
			}
		}
	}

	return nil
}

// advance moves the subscriber to the next step and queues its send. The
// delay is measured from now, so steps missed during downtime stay spaced
// out instead of firing in a burst.
func (e *Engine) advance(ctx context.Context, sub *Subscriber, now time.Time) error {
	sub.CurrentStep++
	sent := now
	sub.LastSentAt = &sent
	if err := e.store.UpdateSubscriber(ctx, sub); err != nil {
		return err
	}

	if sub.CurrentStep >= len(e.steps) {
		// Sequence complete.
		return nil
	}

	next := e.steps[sub.CurrentStep]
	return e.store.CreateSend(ctx, &ScheduledSend{
		SubscriberID: sub.ID,
		StepNumber:   next.Number,
		ScheduledFor: now.Add(next.Delay),
		Status:       SendPending,
	})
}

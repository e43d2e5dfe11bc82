package drip

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory Storage for engine tests.
type memStorage struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*Subscriber
	sends       map[uuid.UUID]*ScheduledSend
}

func newMemStorage() *memStorage {
	return &memStorage{
		subscribers: make(map[uuid.UUID]*Subscriber),
		sends:       make(map[uuid.UUID]*ScheduledSend),
	}
}

func (m *memStorage) CreateSubscriber(_ context.Context, sub *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = time.Now()
	}
	cp := *sub
	m.subscribers[sub.ID] = &cp
	return nil
}

func (m *memStorage) GetSubscriber(_ context.Context, id uuid.UUID) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscribers[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, nil
}

func (m *memStorage) GetSubscriberByEmail(_ context.Context, email string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscribers {
		if sub.Email == email {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStorage) UpdateSubscriber(_ context.Context, sub *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscribers[sub.ID] = &cp
	return nil
}

func (m *memStorage) DeactivateSubscriber(_ context.Context, email string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscribers {
		if sub.Email == email {
			sub.Active = false
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStorage) ListSubscribers(_ context.Context, limit, skip int) ([]Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []Subscriber
	for _, sub := range m.subscribers {
		subs = append(subs, *sub)
	}
	return subs, nil
}

func (m *memStorage) CreateSend(_ context.Context, send *ScheduledSend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sends {
		if existing.SubscriberID == send.SubscriberID && existing.StepNumber == send.StepNumber {
			return nil // unique (subscriber, step)
		}
	}
	if send.ID == uuid.Nil {
		send.ID = uuid.New()
	}
	cp := *send
	m.sends[send.ID] = &cp
	return nil
}

func (m *memStorage) ListDue(_ context.Context, before time.Time, limit int) ([]ScheduledSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []ScheduledSend
	for _, send := range m.sends {
		if send.Status == SendPending && !send.ScheduledFor.After(before) {
			due = append(due, *send)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStorage) MarkSend(_ context.Context, id uuid.UUID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if send, ok := m.sends[id]; ok {
		send.Status = status
		send.Error = errMsg
	}
	return nil
}

func (m *memStorage) CancelPending(_ context.Context, subscriberID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, send := range m.sends {
		if send.SubscriberID == subscriberID && send.Status == SendPending {
			send.Status = SendCanceled
		}
	}
	return nil
}

func (m *memStorage) pendingSteps(subscriberID uuid.UUID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var steps []int
	for _, send := range m.sends {
		if send.SubscriberID == subscriberID && send.Status == SendPending {
			steps = append(steps, send.StepNumber)
		}
	}
	sort.Ints(steps)
	return steps
}

type sentMessage struct {
	to       string
	template string
	text     string
}

type fakeEmailSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (f *fakeEmailSender) Send(_ context.Context, to, template string, vars map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("provider unavailable")
	}
	f.sent = append(f.sent, sentMessage{to: to, template: template})
	return nil
}

type fakeWhatsAppSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeWhatsAppSender) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *memStorage, *fakeEmailSender, *fakeWhatsAppSender) {
	t.Helper()
	store := newMemStorage()
	email := &fakeEmailSender{}
	wa := &fakeWhatsAppSender{}
	return NewEngine(store, email, wa, nil), store, email, wa
}

func TestTriggerEnrollsAndSchedulesWelcome(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "Doe", "+14155550123"))

	sub, err := store.GetSubscriberByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.Active)
	assert.Equal(t, 0, sub.CurrentStep)
	assert.Equal(t, []int{0}, store.pendingSteps(sub.ID))
}

func TestTriggerDuplicateIgnored(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))
	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.subscribers, 1)
	assert.Len(t, store.sends, 1)
}

func TestProcessDueDispatchesAndAdvances(t *testing.T) {
	engine, store, email, wa := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", "+14155550123"))

	dispatched := engine.processDue(time.Now())
	require.Len(t, dispatched, 1)
	assert.Equal(t, "welcome", dispatched[0].StepName)
	assert.False(t, dispatched[0].Failed)

	// Welcome goes over both channels.
	require.Len(t, email.sent, 1)
	assert.Equal(t, "jane@example.com", email.sent[0].to)
	assert.Equal(t, "welcome", email.sent[0].template)
	require.Len(t, wa.sent, 1)
	assert.Contains(t, wa.sent[0].text, "Jane")

	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")
	assert.Equal(t, 1, sub.CurrentStep)
	assert.NotNil(t, sub.LastSentAt)
	// Step 1 queued at its configured delay, not due yet.
	assert.Equal(t, []int{1}, store.pendingSteps(sub.ID))
	assert.Empty(t, engine.processDue(time.Now()))
}

func TestProcessDueCatchUpOneStepPerSweep(t *testing.T) {
	engine, store, email, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))

	// Simulate a long outage: run sweeps far in the future. Each sweep must
	// advance exactly one step, with the next step rescheduled from "now".
	future := time.Now().Add(90 * 24 * time.Hour)
	require.Len(t, engine.processDue(future), 1)
	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")
	assert.Equal(t, 1, sub.CurrentStep)

	// Step 1 was rescheduled relative to the sweep, so it is not yet due.
	assert.Empty(t, engine.processDue(future))
	require.Len(t, engine.processDue(future.Add(4*24*time.Hour)), 1)

	assert.Len(t, email.sent, 2)
}

func TestUnsubscribeStopsFutureSends(t *testing.T) {
	engine, store, email, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))
	engine.processDue(time.Now()) // dispatch welcome, queue step 1

	require.NoError(t, engine.Unsubscribe(ctx, "jane@example.com"))

	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")
	assert.False(t, sub.Active)
	assert.Empty(t, store.pendingSteps(sub.ID))

	// Even far in the future nothing more is dispatched.
	assert.Empty(t, engine.processDue(time.Now().Add(365*24*time.Hour)))
	assert.Len(t, email.sent, 1)
}

func TestUnsubscribeRaceCheckedAtDispatch(t *testing.T) {
	engine, store, email, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))

	// Deactivate directly without canceling the queued welcome send,
	// simulating an unsubscribe landing after scheduling.
	store.mu.Lock()
	for _, sub := range store.subscribers {
		sub.Active = false
	}
	store.mu.Unlock()

	assert.Empty(t, engine.processDue(time.Now()))
	assert.Empty(t, email.sent)

	// The stale send was canceled, not left pending.
	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")
	assert.Empty(t, store.pendingSteps(sub.ID))
}

func TestUnsubscribeUnknownEmailIsNoop(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	assert.NoError(t, engine.Unsubscribe(context.Background(), "nobody@example.com"))
}

func TestDispatchFailureRecordedAndSequenceContinues(t *testing.T) {
	engine, store, email, _ := newTestEngine(t)
	ctx := context.Background()
	email.fail = true

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))

	dispatched := engine.processDue(time.Now())
	require.Len(t, dispatched, 1)
	assert.True(t, dispatched[0].Failed)

	// The failure is recorded on the send row, not silently dropped.
	store.mu.Lock()
	var failed int
	for _, send := range store.sends {
		if send.Status == SendFailed {
			failed++
			assert.Contains(t, send.Error, "provider unavailable")
		}
	}
	store.mu.Unlock()
	assert.Equal(t, 1, failed)

	// The sequence still advanced.
	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")
	assert.Equal(t, 1, sub.CurrentStep)
}

func TestSequenceTerminatesAfterLastStep(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))

	// Walk the whole sequence with generously spaced sweeps.
	now := time.Now()
	for i := 0; i < len(engine.Steps()); i++ {
		require.Len(t, engine.processDue(now), 1, "step %d", i)
		now = now.Add(30 * 24 * time.Hour)
	}

	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")
	assert.Equal(t, len(engine.Steps()), sub.CurrentStep)
	assert.Empty(t, store.pendingSteps(sub.ID))
	assert.Empty(t, engine.processDue(now))
}

func TestStrictStepOrdering(t *testing.T) {
	engine, store, email, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))
	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")

	// Inject an out-of-order pending row for a later step.
	rogue := &ScheduledSend{
		SubscriberID: sub.ID,
		StepNumber:   3,
		ScheduledFor: time.Now().Add(-time.Hour),
		Status:       SendPending,
	}
	require.NoError(t, store.CreateSend(ctx, rogue))

	engine.processDue(time.Now())

	// Only the welcome template went out; the rogue row was canceled.
	require.Len(t, email.sent, 1)
	assert.Equal(t, "welcome", email.sent[0].template)
	assert.NotContains(t, store.pendingSteps(sub.ID), 3)
}

func TestSendBeyondStepCatalogCanceled(t *testing.T) {
	store := newMemStorage()
	email := &fakeEmailSender{}
	// Shortened catalog, as after removing steps across a restart.
	engine := NewEngine(store, email, nil, DefaultSequence()[:1])
	ctx := context.Background()

	require.NoError(t, engine.Trigger(ctx, "signup", "jane@example.com", "Jane", "", ""))
	sub, _ := store.GetSubscriberByEmail(ctx, "jane@example.com")

	// A row persisted under the longer catalog, matching the subscriber's
	// current step but past the configured steps.
	sub.CurrentStep = 1
	require.NoError(t, store.UpdateSubscriber(ctx, sub))
	require.NoError(t, store.CreateSend(ctx, &ScheduledSend{
		SubscriberID: sub.ID,
		StepNumber:   1,
		ScheduledFor: time.Now().Add(-time.Hour),
		Status:       SendPending,
	}))

	engine.processDue(time.Now())

	assert.Empty(t, email.sent)
	assert.NotContains(t, store.pendingSteps(sub.ID), 1)
}

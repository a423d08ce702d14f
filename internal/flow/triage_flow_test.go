package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/testutil"
	"github.com/BTreeMap/TriagePipe/internal/triage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "5511988887777"
	bob   = "5521977776666"
)

type flowFixture struct {
	flow     *TriageFlow
	sessions *store.InMemorySessionStore
	sender   *testutil.RecordingSender
	leads    *testutil.RecordingLeadStore
	catalog  triage.Catalog
}

func newFlowFixture(t *testing.T, delay time.Duration, opts ...Option) *flowFixture {
	t.Helper()
	engine := triage.NewEngine(
		triage.WithBusinessHours(triage.BusinessHours{Open: 8, Close: 19, Location: time.UTC}),
		triage.WithEscalationDelay(delay),
	)
	fx := &flowFixture{
		sessions: store.NewInMemorySessionStore(),
		sender:   testutil.NewRecordingSender(),
		leads:    testutil.NewRecordingLeadStore(),
		catalog:  engine.Catalog(),
	}
	// Mid-morning today keeps the business-hours branch fixed and the
	// sessions inside the store's idle TTL.
	today := time.Now().UTC()
	morning := time.Date(today.Year(), today.Month(), today.Day(), 10, 0, 0, 0, time.UTC)
	base := []Option{
		WithLeadStore(fx.leads),
		WithClock(func() time.Time { return morning }),
	}
	fx.flow = NewTriageFlow(engine, fx.sessions, fx.sender, append(base, opts...)...)
	t.Cleanup(fx.flow.Scheduler().Stop)
	return fx
}

func (fx *flowFixture) say(t *testing.T, from, body string) {
	t.Helper()
	require.NoError(t, fx.flow.Handle(context.Background(), models.InboundMessage{From: from, Body: body}))
}

func (fx *flowFixture) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := fx.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestTriageFlow_EndToEndCriminalFastPath(t *testing.T) {
	fx := newFlowFixture(t, 40*time.Millisecond)
	c := fx.catalog

	fx.say(t, alice, "Olá")
	assert.Equal(t, []string{c.Greeting, c.AreaMenu}, fx.sender.SentTo(alice))
	assert.Equal(t, models.StepArea, fx.session(t, alice).Step)

	fx.say(t, alice, "1")
	s := fx.session(t, alice)
	assert.Equal(t, models.StepPrisonStatus, s.Step)
	assert.Equal(t, models.AreaCriminal, s.Area)

	fx.say(t, alice, "Foi hoje")
	s = fx.session(t, alice)
	assert.Equal(t, models.StepCustody, s.Step)
	assert.Equal(t, models.PrisonStatusArrestedToday, s.PrisonStatus)

	fx.say(t, alice, "Não")
	assert.Equal(t, models.StepCallPermission, fx.session(t, alice).Step)

	fx.say(t, alice, "Sim")
	assert.Nil(t, fx.session(t, alice), "session is deleted immediately")
	assert.True(t, fx.flow.Scheduler().Pending(alice))
	assert.Equal(t, []string{c.Greeting, c.AreaMenu, c.PrisonStatus, c.Custody, c.CallPermission}, fx.sender.SentTo(alice))

	assert.True(t, fx.sender.WaitFor(alice, c.CallFailed, time.Second))
	assert.Eventually(t, func() bool { return !fx.flow.Scheduler().Pending(alice) }, time.Second, 5*time.Millisecond)

	lead, _ := fx.leads.GetLead(context.Background(), alice)
	require.NotNil(t, lead)
	assert.Equal(t, "Sim", lead.LastMessage)
	assert.Equal(t, models.AreaCriminal, lead.Area, "area survives the terminal transition")
}

func TestTriageFlow_TerminalCleanupOnLeadData(t *testing.T) {
	fx := newFlowFixture(t, time.Minute)
	for _, body := range []string{"oi", "3", "não", "Maria, São Paulo/SP, despejo"} {
		fx.say(t, alice, body)
	}
	assert.Nil(t, fx.session(t, alice))
	sent := fx.sender.SentTo(alice)
	assert.Equal(t, fx.catalog.BusinessHours, sent[len(sent)-1])
	assert.False(t, fx.flow.Scheduler().Pending(alice))
}

func TestTriageFlow_InterleavedSendersAreIsolated(t *testing.T) {
	fx := newFlowFixture(t, time.Minute)

	fx.say(t, alice, "oi")
	fx.say(t, bob, "oi")
	fx.say(t, alice, "1")
	fx.say(t, bob, "4")
	fx.say(t, alice, "já faz uma semana")
	fx.say(t, bob, "sim tenho")

	a := fx.session(t, alice)
	b := fx.session(t, bob)
	assert.Equal(t, models.StepHasLawyer, a.Step)
	assert.Equal(t, models.PrisonStatusAlreadyInCustody, a.PrisonStatus)
	assert.Equal(t, models.StepLawyerSwitch, b.Step)
	assert.Equal(t, models.AreaLabor, b.Area)
	assert.Empty(t, b.PrisonStatus)
}

func TestTriageFlow_ConcurrentMessagesFromSameSender(t *testing.T) {
	fx := newFlowFixture(t, time.Minute)

	var wg sync.WaitGroup
	for _, body := range []string{"oi", "olá"} {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			_ = fx.flow.Handle(context.Background(), models.InboundMessage{From: alice, Body: body})
		}(body)
	}
	wg.Wait()

	greetings := 0
	for _, b := range fx.sender.SentTo(alice) {
		if b == fx.catalog.Greeting {
			greetings++
		}
	}
	assert.Equal(t, 1, greetings, "only one message sees the empty session")
	s := fx.session(t, alice)
	require.NotNil(t, s)
	assert.Equal(t, models.StepHasLawyer, s.Step)
	assert.Equal(t, int64(2), s.Version)
}

func TestTriageFlow_KeepPolicyLetsFollowUpFire(t *testing.T) {
	fx := newFlowFixture(t, 50*time.Millisecond, WithEscalationPolicy(PolicyKeep))
	for _, body := range []string{"oi", "1", "hoje", "nao", "sim"} {
		fx.say(t, alice, body)
	}
	require.True(t, fx.flow.Scheduler().Pending(alice))

	fx.say(t, alice, "alô?")
	assert.Equal(t, models.StepArea, fx.session(t, alice).Step, "new conversation starts")

	assert.True(t, fx.sender.WaitFor(alice, fx.catalog.CallFailed, time.Second))
	s := fx.session(t, alice)
	require.NotNil(t, s, "firing never deletes the new session")
	assert.Equal(t, models.StepArea, s.Step)
}

func TestTriageFlow_CancelPolicyDropsFollowUp(t *testing.T) {
	fx := newFlowFixture(t, 40*time.Millisecond, WithEscalationPolicy(PolicyCancel))
	for _, body := range []string{"oi", "1", "hoje", "nao", "sim"} {
		fx.say(t, alice, body)
	}
	require.True(t, fx.flow.Scheduler().Pending(alice))

	fx.say(t, alice, "alô?")
	assert.False(t, fx.flow.Scheduler().Pending(alice))
	assert.False(t, fx.sender.WaitFor(alice, fx.catalog.CallFailed, 150*time.Millisecond))
	assert.Equal(t, models.StepArea, fx.session(t, alice).Step)
}

func TestTriageFlow_SendFailureKeepsTransition(t *testing.T) {
	fx := newFlowFixture(t, time.Minute)
	fx.sender.SetErr(errors.New("provider down"))

	fx.say(t, alice, "oi")
	fx.say(t, alice, "2")
	assert.Equal(t, models.StepHasLawyer, fx.session(t, alice).Step)
	assert.Equal(t, 2, fx.leads.Calls())
}

func TestTriageFlow_LeadFailureIsNotFatal(t *testing.T) {
	fx := newFlowFixture(t, time.Minute)
	fx.leads.Err = errors.New("crm down")
	fx.say(t, alice, "oi")
	assert.Len(t, fx.sender.SentTo(alice), 2)
}

func TestTriageFlow_RejectsInvalidMessage(t *testing.T) {
	fx := newFlowFixture(t, time.Minute)
	err := fx.flow.Handle(context.Background(), models.InboundMessage{From: "", Body: "oi"})
	assert.ErrorIs(t, err, models.ErrEmptySender)
	assert.Empty(t, fx.sender.Sent())
}

// flakyStore injects failures in front of an in-memory store.
type flakyStore struct {
	*store.InMemorySessionStore
	mu        sync.Mutex
	conflicts int
	getErr    error
	deleteErr error
	saves     int
}

func (f *flakyStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.InMemorySessionStore.Get(ctx, id)
}

func (f *flakyStore) Save(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	f.saves++
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return store.ErrVersionConflict
	}
	f.mu.Unlock()
	return f.InMemorySessionStore.Save(ctx, s)
}

func (f *flakyStore) Delete(ctx context.Context, id string, version int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.InMemorySessionStore.Delete(ctx, id, version)
}

func newFlakyFlow(t *testing.T, fs *flakyStore) (*TriageFlow, *testutil.RecordingSender) {
	t.Helper()
	sender := testutil.NewRecordingSender()
	f := NewTriageFlow(triage.NewEngine(), fs, sender, WithMaxConflictRetries(3))
	t.Cleanup(f.Scheduler().Stop)
	return f, sender
}

func TestTriageFlow_RetriesAfterVersionConflict(t *testing.T) {
	fs := &flakyStore{InMemorySessionStore: store.NewInMemorySessionStore(), conflicts: 2}
	f, sender := newFlakyFlow(t, fs)

	require.NoError(t, f.Handle(context.Background(), models.InboundMessage{From: alice, Body: "oi"}))
	assert.Equal(t, 3, fs.saves)
	assert.Len(t, sender.SentTo(alice), 2, "messages are sent once, after the commit")
}

func TestTriageFlow_GivesUpAfterRepeatedConflicts(t *testing.T) {
	fs := &flakyStore{InMemorySessionStore: store.NewInMemorySessionStore(), conflicts: 10}
	f, sender := newFlakyFlow(t, fs)

	err := f.Handle(context.Background(), models.InboundMessage{From: alice, Body: "oi"})
	assert.ErrorIs(t, err, ErrTooManyConflicts)
	assert.Equal(t, 3, fs.saves)
	assert.Empty(t, sender.Sent())
}

func TestTriageFlow_StoreFailureSendsNothing(t *testing.T) {
	fs := &flakyStore{InMemorySessionStore: store.NewInMemorySessionStore(), getErr: errors.New("redis down")}
	f, sender := newFlakyFlow(t, fs)

	err := f.Handle(context.Background(), models.InboundMessage{From: alice, Body: "oi"})
	assert.Error(t, err)
	assert.Empty(t, sender.Sent())
}

func TestTriageFlow_DeleteFailureSendsNothing(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{InMemorySessionStore: store.NewInMemorySessionStore(), deleteErr: errors.New("redis down")}
	sess := models.NewSession(alice, time.Now())
	sess.Step = models.StepCallPermission
	sess.Area = models.AreaCriminal
	sess.PrisonStatus = models.PrisonStatusArrestedToday
	require.NoError(t, fs.Save(ctx, sess))
	f, sender := newFlakyFlow(t, fs)

	err := f.Handle(ctx, models.InboundMessage{From: alice, Body: "sim"})
	assert.ErrorContains(t, err, "failed to delete session")
	assert.NotErrorIs(t, err, ErrTooManyConflicts)
	assert.Empty(t, sender.Sent())
	assert.False(t, f.Scheduler().Pending(alice), "no follow-up without a committed transition")

	stored, err := fs.Get(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StepCallPermission, stored.Step)
}

// interleavingStore lets another writer commit between this flow's read and write.
type interleavingStore struct {
	*store.InMemorySessionStore
	once     sync.Once
	afterGet func()
}

func (s *interleavingStore) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.InMemorySessionStore.Get(ctx, id)
	s.once.Do(s.afterGet)
	return sess, err
}

func TestTriageFlow_StaleTerminalDecisionIsDecidedAgain(t *testing.T) {
	ctx := context.Background()
	engine := triage.NewEngine(triage.WithBusinessHours(triage.BusinessHours{Open: 8, Close: 19, Location: time.UTC}))
	c := engine.Catalog()
	today := time.Now().UTC()
	morning := time.Date(today.Year(), today.Month(), today.Day(), 10, 0, 0, 0, time.UTC)
	clock := WithClock(func() time.Time { return morning })

	shared := store.NewInMemorySessionStore()
	sess := models.NewSession(alice, morning)
	sess.Step = models.StepLawyerSwitch
	sess.Area = models.AreaFamily
	require.NoError(t, shared.Save(ctx, sess))

	sender := testutil.NewRecordingSender()
	other := NewTriageFlow(engine, shared, sender, clock)
	t.Cleanup(other.Scheduler().Stop)

	racing := &interleavingStore{InMemorySessionStore: shared}
	racing.afterGet = func() {
		assert.NoError(t, other.Handle(ctx, models.InboundMessage{From: alice, Body: "quero a troca"}))
	}
	f := NewTriageFlow(engine, racing, sender, clock)
	t.Cleanup(f.Scheduler().Stop)

	require.NoError(t, f.Handle(ctx, models.InboundMessage{From: alice, Body: "só orientação"}))

	// The stale "only advice" decision would have declined the case and erased
	// the other writer's process_data step. Decided again, it answers that step.
	sent := sender.SentTo(alice)
	assert.Equal(t, []string{c.ProcessData, c.BusinessHours}, sent)
	assert.NotContains(t, sent, c.Conflict)
}

func TestParseEscalationPolicy(t *testing.T) {
	p, err := ParseEscalationPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyKeep, p)

	p, err = ParseEscalationPolicy(" Cancel ")
	require.NoError(t, err)
	assert.Equal(t, PolicyCancel, p)

	_, err = ParseEscalationPolicy("extend")
	assert.Error(t, err)
}

package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthfirst/availability-scheduling/internal/config"
	redisclient "github.com/healthfirst/availability-scheduling/internal/redis"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu        sync.Mutex
	providers map[uuid.UUID]ProviderInfo
	rules     map[uuid.UUID]Rule
	slots     map[uuid.UUID]Slot
	events    []EventLog
}

func newMemRepo() *memRepo {
	return &memRepo{
		providers: map[uuid.UUID]ProviderInfo{},
		rules:     map[uuid.UUID]Rule{},
		slots:     map[uuid.UUID]Slot{},
	}
}

func (m *memRepo) addProvider(name, specialization string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.providers[id] = ProviderInfo{ID: id, Name: name, Specialization: specialization}
	return id
}

func (m *memRepo) GetProvider(_ context.Context, id uuid.UUID) (*ProviderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *memRepo) GetRule(_ context.Context, id uuid.UUID) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return &r, nil
}

func (m *memRepo) CreateRuleWithSlots(_ context.Context, rule *Rule, slots []Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = *rule
	for _, s := range slots {
		m.slots[s.ID] = s
	}
	return nil
}

func (m *memRepo) AppendSlots(_ context.Context, ruleID uuid.UUID, slots []Slot, through civil.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	r.MaterializedThrough = through
	m.rules[ruleID] = r
	for _, s := range slots {
		m.slots[s.ID] = s
	}
	return nil
}

func (m *memRepo) ListRulesToExtend(_ context.Context, before civil.Date, limit int) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rule
	for _, r := range m.rules {
		if r.Status == RuleActive && r.Recurrence.IsRecurring() &&
			r.MaterializedThrough.Before(r.LastDate()) && r.MaterializedThrough.Before(before) {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *memRepo) sorted(keep func(Slot) bool) []Slot {
	var out []Slot
	for _, s := range m.slots {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *memRepo) ListActiveSlots(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(s Slot) bool {
		return s.ProviderID == providerID && s.Active() && s.Start.Before(to) && s.End.After(from)
	}), nil
}

func (m *memRepo) ListRuleSlots(_ context.Context, ruleID uuid.UUID) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(s Slot) bool { return s.RuleID == ruleID }), nil
}

func (m *memRepo) detail(s Slot) SlotDetail {
	r := m.rules[s.RuleID]
	return SlotDetail{Slot: s, Timezone: r.Timezone, Location: r.Location, Pricing: r.Pricing, SpecialRequirements: r.SpecialRequirements}
}

func (m *memRepo) ListProviderSlots(_ context.Context, q SlotQuery) ([]SlotDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots := m.sorted(func(s Slot) bool {
		if s.ProviderID != q.ProviderID || !s.Start.Before(q.To) || !s.End.After(q.From) {
			return false
		}
		if q.AppointmentType != "" && s.AppointmentType != q.AppointmentType {
			return false
		}
		if len(q.Statuses) == 0 {
			return true
		}
		for _, st := range q.Statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	})
	out := make([]SlotDetail, 0, len(slots))
	for _, s := range slots {
		out = append(out, m.detail(s))
	}
	return out, nil
}

func (m *memRepo) UpdateSlot(_ context.Context, slot *Slot, from SlotStatus) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.slots[slot.ID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if cur.Status != from {
		return nil, ErrInvalidTransition
	}
	m.slots[slot.ID] = *slot
	out := *slot
	return &out, nil
}

func (m *memRepo) DeleteSlots(_ context.Context, ids []uuid.UUID, statuses []SlotStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		s, ok := m.slots[id]
		if !ok {
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				delete(m.slots, id)
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *memRepo) SearchSlots(_ context.Context, q SlotSearch) ([]SearchRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots := m.sorted(func(s Slot) bool {
		if s.Status != SlotAvailable || s.Start.Before(q.From) || !s.Start.Before(q.To) || s.Start.Before(q.NotBefore) {
			return false
		}
		if q.AppointmentType != "" && s.AppointmentType != q.AppointmentType {
			return false
		}
		p := m.providers[s.ProviderID]
		if q.Specialization != "" && !strings.Contains(strings.ToLower(p.Specialization), strings.ToLower(q.Specialization)) {
			return false
		}
		r := m.rules[s.RuleID]
		if q.MaxPrice != nil && r.Pricing != nil && r.Pricing.BaseFee > *q.MaxPrice {
			return false
		}
		if q.InsuranceAccepted != nil && r.Pricing != nil && r.Pricing.InsuranceAccepted != *q.InsuranceAccepted {
			return false
		}
		return true
	})
	out := make([]SearchRow, 0, len(slots))
	perProvider := make(map[uuid.UUID]int)
	for _, s := range slots {
		perProvider[s.ProviderID]++
		if q.Limit > 0 && perProvider[s.ProviderID] > q.Limit {
			continue
		}
		out = append(out, SearchRow{Provider: m.providers[s.ProviderID], Slot: m.detail(s)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Provider.Name < out[j].Provider.Name })
	return out, nil
}

func (m *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memRepo) slotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []EventLog
}

func (p *recordingPublisher) Publish(_ context.Context, ev EventLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	svc   *Service
	repo  *memRepo
	mr    *miniredis.Miniredis
	now   time.Time
	pub   *recordingPublisher
	clock func() time.Time
}

func newFixture(t *testing.T, now time.Time, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{MaterializationHorizon: 90, MonthlyShortMonth: "skip", SearchMaxRangeDays: 90}
	for _, fn := range mutate {
		fn(&cfg)
	}

	f := &fixture{repo: newMemRepo(), mr: mr, now: now, pub: &recordingPublisher{}}
	f.clock = func() time.Time { return f.now }
	f.svc = NewService(f.repo, redisclient.NewRedisProviderLocker(rdb, 5*time.Second), cfg,
		WithClock(f.clock), WithPublisher(f.pub))
	return f
}

var feb1 = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func dayRule(date string, start, end string, tz string, slot int) RuleInput {
	return RuleInput{
		Date:         d(date),
		StartTime:    clock(start),
		EndTime:      clock(end),
		Timezone:     tz,
		Recurrence:   Recurrence{Kind: RecurrenceNone},
		SlotDuration: slot,
	}
}

func TestCreateAvailabilityGeneratesWorkingDay(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	in := dayRule("2024-03-01", "09:00", "17:00", "UTC", 30)
	in.MaxAppointmentsPerSlot = 2
	res, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 16, res.SlotsCreated)
	assert.Zero(t, res.BlockedSlots)
	assert.Equal(t, 32, res.TotalAppointmentsAvailable)
	assert.Equal(t, DateRange{Start: d("2024-03-01"), End: d("2024-03-01")}, res.DateRange)
	assert.Equal(t, 16, f.repo.slotCount())

	rule, err := f.repo.GetRule(context.Background(), res.RuleID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentConsultation, rule.AppointmentType)
	assert.Equal(t, LocationClinic, rule.Location.Type)

	assert.Equal(t, []string{EventAvailabilityCreated}, f.repo.eventTypes())
	require.Len(t, f.pub.events, 1)
}

func TestCreateAvailabilityRejectsInvalidRule(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	cases := []struct {
		name   string
		mutate func(*RuleInput)
		want   error
	}{
		{"bad timezone", func(in *RuleInput) { in.Timezone = "Atlantis/Capital" }, ErrInvalidTimezone},
		{"short slot", func(in *RuleInput) { in.SlotDuration = 10 }, ErrInvalidDuration},
		{"slot longer than window", func(in *RuleInput) { in.EndTime = clock("09:20") }, ErrInvalidDuration},
		{"end before start", func(in *RuleInput) { in.EndTime = clock("08:00") }, ErrInvalidDuration},
		{"long break", func(in *RuleInput) { in.BreakDuration = 61 }, ErrInvalidDuration},
		{"recurring without end", func(in *RuleInput) { in.Recurrence = Recurrence{Kind: RecurrenceDaily} }, ErrInvalidRecurrence},
		{"end before base", func(in *RuleInput) {
			in.Recurrence = Recurrence{Kind: RecurrenceWeekly, EndDate: dp("2024-02-01")}
		}, ErrInvalidRecurrence},
		{"bad type", func(in *RuleInput) { in.AppointmentType = "surgery" }, ErrInvalidInput},
		{"too many per slot", func(in *RuleInput) { in.MaxAppointmentsPerSlot = 11 }, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := dayRule("2024-03-01", "09:00", "17:00", "UTC", 30)
			tc.mutate(&in)
			_, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
			assert.ErrorIs(t, err, tc.want)

			var fe *FieldError
			assert.ErrorAs(t, err, &fe)
		})
	}
	assert.Zero(t, f.repo.slotCount())
}

func TestCreateAvailabilityUnknownProvider(t *testing.T) {
	f := newFixture(t, feb1)
	_, err := f.svc.CreateAvailability(context.Background(), uuid.New(), dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	assert.ErrorIs(t, err, ErrProviderNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func bookFirstSlot(t *testing.T, f *fixture, ruleID uuid.UUID) Slot {
	t.Helper()
	slots, err := f.repo.ListRuleSlots(context.Background(), ruleID)
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	booked, err := f.svc.BookSlot(context.Background(), slots[0].ID, uuid.New(), "BK-1")
	require.NoError(t, err)
	return *booked
}

func TestCreateAvailabilityConflictWithBookedSlot(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	first, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "12:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	booked := bookFirstSlot(t, f, first.RuleID)
	before := f.repo.slotCount()

	_, err = f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:15", "10:15", "UTC", 30), CreateOptions{})
	require.ErrorIs(t, err, ErrConflict)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.ExistingSlotIDs(), booked.ID)
	assert.Len(t, ce.CandidateSlotIDs(), 2)
	assert.Equal(t, before, f.repo.slotCount(), "nothing persisted")
}

func TestCreateAvailabilityOtherProviderDoesNotConflict(t *testing.T) {
	f := newFixture(t, feb1)
	a := f.repo.addProvider("Dr. A", "Cardiology")
	b := f.repo.addProvider("Dr. B", "Cardiology")

	_, err := f.svc.CreateAvailability(context.Background(), a, dayRule("2024-03-01", "09:00", "12:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	_, err = f.svc.CreateAvailability(context.Background(), b, dayRule("2024-03-01", "09:00", "12:00", "UTC", 30), CreateOptions{})
	assert.NoError(t, err)
}

func TestCreateAvailabilityBlockPolicyStoresConflictsAsBlocked(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	_, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)

	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:45", "11:15", "UTC", 30), CreateOptions{OnConflict: ConflictBlock})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SlotsCreated)
	assert.Equal(t, 1, res.BlockedSlots)
	assert.Equal(t, 2, res.TotalAppointmentsAvailable)

	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)
	assert.Equal(t, SlotBlocked, slots[0].Status)
	assert.Equal(t, SlotAvailable, slots[1].Status)
}

func TestCreateAvailabilityProviderBusy(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")
	require.NoError(t, f.mr.Set("lock:provider:"+provider.String(), "someone-else"))

	_, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	assert.ErrorIs(t, err, ErrProviderBusy)
	assert.Zero(t, f.repo.slotCount())
}

func TestCreateAvailabilityAcrossDSTChange(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	in := dayRule("2024-03-09", "01:00", "04:00", "America/New_York", 30)
	in.Recurrence = Recurrence{Kind: RecurrenceDaily, EndDate: dp("2024-03-11")}

	res, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 15, res.SlotsCreated)
	assert.Equal(t, 3, res.SkippedDSTGap)
	assert.Equal(t, d("2024-03-11"), res.DateRange.End)
}

func TestCreateAvailabilityMaterializesUpToHorizon(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, now, func(c *config.Config) { c.MaterializationHorizon = 30 })
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	in := dayRule("2024-01-01", "09:00", "10:00", "UTC", 30)
	in.Recurrence = Recurrence{Kind: RecurrenceDaily, EndDate: dp("2024-12-31")}

	res, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, d("2024-01-31"), res.MaterializedThrough)
	assert.Equal(t, d("2024-12-31"), res.DateRange.End)
	assert.Equal(t, 62, res.SlotsCreated)

	f.now = now.AddDate(0, 0, 10)
	ext, err := f.svc.ExtendHorizons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ext.RulesExtended)
	assert.Equal(t, 20, ext.SlotsCreated)
	assert.Zero(t, ext.Failed)

	rule, err := f.repo.GetRule(context.Background(), res.RuleID)
	require.NoError(t, err)
	assert.Equal(t, d("2024-02-10"), rule.MaterializedThrough)
	assert.Equal(t, 82, f.repo.slotCount())

	// Nothing new until the clock moves again.
	ext, err = f.svc.ExtendHorizons(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ext.SlotsCreated)
}

func TestExtendHorizonsSkipsConflicts(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, now, func(c *config.Config) { c.MaterializationHorizon = 5 })
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	in := dayRule("2024-01-01", "09:00", "10:00", "UTC", 30)
	in.Recurrence = Recurrence{Kind: RecurrenceDaily, EndDate: dp("2024-01-31")}
	_, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
	require.NoError(t, err)

	// A one-off on Jan 8 that the recurring rule has not reached yet.
	_, err = f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-01-08", "09:00", "09:30", "UTC", 30), CreateOptions{})
	require.NoError(t, err)

	f.now = now.AddDate(0, 0, 3)
	ext, err := f.svc.ExtendHorizons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ext.ConflictsSkipped)
	assert.Equal(t, 5, ext.SlotsCreated)
	assert.Contains(t, f.repo.eventTypes(), EventExtensionConflict)
}

func TestUpdateSlot(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "11:00", "America/New_York", 30), CreateOptions{})
	require.NoError(t, err)
	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)
	require.Len(t, slots, 4)

	t.Run("moves window in rule zone", func(t *testing.T) {
		start, end := clock("08:00"), clock("08:45")
		updated, err := f.svc.UpdateSlot(context.Background(), slots[0].ID, SlotPatch{StartTime: &start, EndTime: &end})
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), updated.Start)
		assert.Equal(t, 45*time.Minute, updated.Duration())
	})

	t.Run("overlap with sibling", func(t *testing.T) {
		start := clock("09:45")
		_, err := f.svc.UpdateSlot(context.Background(), slots[1].ID, SlotPatch{StartTime: &start, EndTime: ptr(clock("10:15"))})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := f.svc.UpdateSlot(context.Background(), slots[1].ID, SlotPatch{EndTime: ptr(clock("09:40"))})
		assert.ErrorIs(t, err, ErrInvalidDuration)
	})

	t.Run("block and unblock", func(t *testing.T) {
		blocked, err := f.svc.UpdateSlot(context.Background(), slots[2].ID, SlotPatch{Status: ptr(SlotBlocked), Notes: ptr("maintenance")})
		require.NoError(t, err)
		assert.Equal(t, SlotBlocked, blocked.Status)
		assert.Equal(t, "maintenance", blocked.Notes)

		open, err := f.svc.UpdateSlot(context.Background(), slots[2].ID, SlotPatch{Status: ptr(SlotAvailable)})
		require.NoError(t, err)
		assert.Equal(t, SlotAvailable, open.Status)
	})

	t.Run("cannot book through update", func(t *testing.T) {
		_, err := f.svc.UpdateSlot(context.Background(), slots[3].ID, SlotPatch{Status: ptr(SlotBooked)})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("booked slot is not editable", func(t *testing.T) {
		_, err := f.svc.BookSlot(context.Background(), slots[3].ID, uuid.New(), "BK-9")
		require.NoError(t, err)
		_, err = f.svc.UpdateSlot(context.Background(), slots[3].ID, SlotPatch{StartTime: ptr(clock("12:00"))})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown slot", func(t *testing.T) {
		_, err := f.svc.UpdateSlot(context.Background(), uuid.New(), SlotPatch{Notes: ptr("x")})
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})
}

func TestUnblockRechecksConflicts(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	_, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "09:30", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "09:30", "UTC", 30), CreateOptions{OnConflict: ConflictBlock})
	require.NoError(t, err)

	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)
	_, err = f.svc.UpdateSlot(context.Background(), slots[0].ID, SlotPatch{Status: ptr(SlotAvailable)})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBulkUpdateSlots(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)

	missing := uuid.New()
	out := f.svc.BulkUpdateSlots(context.Background(), []uuid.UUID{slots[0].ID, slots[1].ID, missing}, SlotPatch{Status: ptr(SlotBlocked)})
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Updated)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, missing, out.Failed[0].SlotID)
}

func TestDeleteSlotCascadeKeepsBooked(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	in := dayRule("2024-03-01", "09:00", "09:30", "UTC", 30)
	in.Recurrence = Recurrence{Kind: RecurrenceDaily, EndDate: dp("2024-03-04")}
	res, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
	require.NoError(t, err)
	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)
	require.Len(t, slots, 4)

	_, err = f.svc.BookSlot(context.Background(), slots[1].ID, uuid.New(), "BK-2")
	require.NoError(t, err)
	_, err = f.svc.UpdateSlot(context.Background(), slots[2].ID, SlotPatch{Status: ptr(SlotBlocked)})
	require.NoError(t, err)

	_, err = f.svc.DeleteSlot(context.Background(), slots[1].ID, true)
	assert.ErrorIs(t, err, ErrSlotBooked)

	out, err := f.svc.DeleteSlot(context.Background(), slots[0].ID, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.Deleted)
	assert.Equal(t, 1, out.KeptBooked)

	left, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, SlotBooked, left[0].Status)
}

func TestDeleteSingleSlot(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)

	out, err := f.svc.DeleteSlot(context.Background(), slots[0].ID, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Deleted)
	assert.Equal(t, 1, f.repo.slotCount())

	_, err = f.svc.DeleteSlot(context.Background(), slots[0].ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBookAndCancel(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "09:30", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	slots, err := f.repo.ListRuleSlots(context.Background(), res.RuleID)
	require.NoError(t, err)
	id := slots[0].ID

	_, err = f.svc.BookSlot(context.Background(), id, uuid.Nil, "BK-1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.BookSlot(context.Background(), id, uuid.New(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	patient := uuid.New()
	booked, err := f.svc.BookSlot(context.Background(), id, patient, "BK-1")
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, booked.Status)
	assert.Equal(t, patient, *booked.PatientID)
	assert.Equal(t, "BK-1", *booked.BookingReference)

	_, err = f.svc.BookSlot(context.Background(), id, uuid.New(), "BK-2")
	assert.ErrorIs(t, err, ErrSlotBooked)

	cancelled, err := f.svc.CancelSlot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, SlotCancelled, cancelled.Status)

	_, err = f.svc.CancelSlot(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.BookSlot(context.Background(), id, uuid.New(), "BK-3")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Subset(t, f.repo.eventTypes(), []string{EventSlotBooked, EventSlotCancelled})
}

func TestSearchAvailableDisplaysRequestedTimezone(t *testing.T) {
	f := newFixture(t, feb1)
	cardio := f.repo.addProvider("Dr. Adams", "Cardiology")
	derm := f.repo.addProvider("Dr. Brown", "Dermatology")

	in := dayRule("2024-03-01", "09:00", "10:00", "America/New_York", 30)
	in.Pricing = &Pricing{BaseFee: 150, Currency: "USD"}
	_, err := f.svc.CreateAvailability(context.Background(), cardio, in, CreateOptions{})
	require.NoError(t, err)
	_, err = f.svc.CreateAvailability(context.Background(), derm, dayRule("2024-03-01", "09:00", "10:00", "Europe/London", 30), CreateOptions{})
	require.NoError(t, err)

	date := d("2024-03-01")
	res, err := f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date, Specialization: "cardio", Timezone: "America/Los_Angeles"})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalResults)
	got := res.Results[0]
	assert.Equal(t, cardio, got.Provider.ID)
	require.Len(t, got.AvailableSlots, 2)
	assert.Equal(t, "06:00", got.AvailableSlots[0].StartTime)
	assert.Equal(t, "06:30", got.AvailableSlots[0].EndTime)
	assert.Equal(t, "America/Los_Angeles", got.AvailableSlots[0].Timezone)
	assert.Equal(t, 150.0, got.AvailableSlots[0].Pricing.BaseFee)

	res, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date})
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalResults)
	assert.Equal(t, "09:00", res.Results[1].AvailableSlots[0].StartTime)
	assert.Equal(t, "Europe/London", res.Results[1].AvailableSlots[0].Timezone)

	maxPrice := 100.0
	res, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date, MaxPrice: &maxPrice})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalResults)
	assert.Equal(t, derm, res.Results[0].Provider.ID)
}

func TestSearchAvailableExcludesBookedAndPast(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Adams", "Cardiology")
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	bookFirstSlot(t, f, res.RuleID)

	date := d("2024-03-01")
	out, err := f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date})
	require.NoError(t, err)
	require.Equal(t, 1, out.TotalResults)
	assert.Len(t, out.Results[0].AvailableSlots, 1)

	f.now = time.Date(2024, 3, 1, 9, 45, 0, 0, time.UTC)
	out, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date})
	require.NoError(t, err)
	assert.Zero(t, out.TotalResults)
	assert.NotNil(t, out.Results)
}

func TestSearchAvailableCapsSlotsPerProvider(t *testing.T) {
	f := newFixture(t, feb1)
	names := []string{"Dr. Adams", "Dr. Brown", "Dr. Chen", "Dr. Diaz", "Dr. Evans", "Dr. Fox"}
	var ids []uuid.UUID
	for _, name := range names {
		id := f.repo.addProvider(name, "Cardiology")
		ids = append(ids, id)
		_, err := f.svc.CreateAvailability(context.Background(), id, dayRule("2024-03-01", "09:00", "17:00", "UTC", 30), CreateOptions{})
		require.NoError(t, err)
	}

	date := d("2024-03-01")
	res, err := f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date, Limit: 4})
	require.NoError(t, err)
	require.Equal(t, len(names), res.TotalResults)
	assert.True(t, res.Truncated)
	for i, got := range res.Results {
		assert.Equal(t, ids[i], got.Provider.ID)
		assert.Len(t, got.AvailableSlots, 4)
		assert.Equal(t, "09:00", got.AvailableSlots[0].StartTime)
		assert.True(t, got.Truncated)
	}

	res, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date})
	require.NoError(t, err)
	require.Equal(t, len(names), res.TotalResults)
	assert.False(t, res.Truncated)
	for _, got := range res.Results {
		assert.Len(t, got.AvailableSlots, 16)
		assert.False(t, got.Truncated)
	}
}

func TestSearchAvailableUnpricedRulesPassPriceFilters(t *testing.T) {
	f := newFixture(t, feb1)
	unpriced := f.repo.addProvider("Dr. Adams", "Cardiology")
	selfPay := f.repo.addProvider("Dr. Brown", "Cardiology")

	_, err := f.svc.CreateAvailability(context.Background(), unpriced, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	in := dayRule("2024-03-01", "09:00", "10:00", "UTC", 30)
	in.Pricing = &Pricing{BaseFee: 80, Currency: "USD", InsuranceAccepted: false}
	_, err = f.svc.CreateAvailability(context.Background(), selfPay, in, CreateOptions{})
	require.NoError(t, err)

	date := d("2024-03-01")
	insured := true
	res, err := f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date, InsuranceAccepted: &insured})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalResults)
	assert.Equal(t, unpriced, res.Results[0].Provider.ID)

	maxPrice := 50.0
	res, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{Date: &date, MaxPrice: &maxPrice})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalResults)
	assert.Equal(t, unpriced, res.Results[0].Provider.ID)
}

func TestSearchAvailableValidatesCriteria(t *testing.T) {
	f := newFixture(t, feb1)
	start, end := d("2024-03-10"), d("2024-03-01")

	_, err := f.svc.SearchAvailable(context.Background(), SearchCriteria{StartDate: &start, EndDate: &end})
	assert.ErrorIs(t, err, ErrInvalidInput)

	far := d("2024-12-31")
	_, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{StartDate: &end, EndDate: &far})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SearchAvailable(context.Background(), SearchCriteria{Timezone: "Nope/Nope"})
	assert.ErrorIs(t, err, ErrInvalidTimezone)
}

func TestProviderAvailabilityAndSummary(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	in := dayRule("2024-03-01", "08:00", "09:00", "Asia/Tokyo", 30)
	in.Recurrence = Recurrence{Kind: RecurrenceDaily, EndDate: dp("2024-03-02")}
	res, err := f.svc.CreateAvailability(context.Background(), provider, in, CreateOptions{})
	require.NoError(t, err)
	bookFirstSlot(t, f, res.RuleID)

	view, err := f.svc.ProviderAvailability(context.Background(), provider, ProviderQuery{
		StartDate: d("2024-03-01"),
		EndDate:   d("2024-03-02"),
		Timezone:  "Asia/Tokyo",
	})
	require.NoError(t, err)
	require.Len(t, view.Availability, 2)
	assert.Equal(t, d("2024-03-01"), view.Availability[0].Date)
	assert.Equal(t, StatusSummary{TotalSlots: 4, AvailableSlots: 3, BookedSlots: 1}, view.Summary)

	// In UTC the Tokyo morning slots fall on the previous date.
	utcView, err := f.svc.ProviderAvailability(context.Background(), provider, ProviderQuery{
		StartDate: d("2024-03-01"),
		EndDate:   d("2024-03-02"),
		Timezone:  "UTC",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, utcView.Summary.TotalSlots)

	summary, err := f.svc.AvailabilitySummary(context.Background(), provider, d("2024-03-01"), d("2024-03-02"))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Metrics.TotalDays)
	assert.Equal(t, 2.0, summary.Metrics.AverageSlotsPerDay)
	assert.Equal(t, 25.0, summary.Metrics.BookingRate)

	_, err = f.svc.ProviderAvailability(context.Background(), uuid.New(), ProviderQuery{StartDate: d("2024-03-01"), EndDate: d("2024-03-02")})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestCheckConflictsReportsStoredOverlaps(t *testing.T) {
	f := newFixture(t, feb1)
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")
	res, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)

	// Simulate an overlap written outside the engine.
	rogue := Slot{
		ID:         uuid.New(),
		RuleID:     res.RuleID,
		ProviderID: provider,
		Start:      time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC),
		End:        time.Date(2024, 3, 1, 9, 45, 0, 0, time.UTC),
		Status:     SlotAvailable,
	}
	require.NoError(t, f.repo.AppendSlots(context.Background(), res.RuleID, []Slot{rogue}, d("2024-03-01")))

	report, err := f.svc.CheckConflicts(context.Background(), provider, d("2024-03-01"), d("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalSlotsAnalyzed)
	assert.Equal(t, 2, report.ConflictsFound)
}

func TestLogEventSurvivesPublisherFailure(t *testing.T) {
	f := newFixture(t, feb1)
	f.svc.publisher = failingPublisher{}
	provider := f.repo.addProvider("Dr. Grey", "Cardiology")

	_, err := f.svc.CreateAvailability(context.Background(), provider, dayRule("2024-03-01", "09:00", "10:00", "UTC", 30), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventAvailabilityCreated}, f.repo.eventTypes())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, EventLog) error {
	return errors.New("broker unavailable")
}

func ptr[T any](v T) *T {
	return &v
}

func TestLockErrMapsToProviderBusy(t *testing.T) {
	assert.Equal(t, ErrProviderBusy, lockErr(redisclient.ErrLockNotAcquired))

	lost := lockErr(fmt.Errorf("%w: %w", redisclient.ErrLockLost, context.Canceled))
	assert.ErrorIs(t, lost, ErrProviderBusy)
	assert.ErrorIs(t, lost, redisclient.ErrLockLost)

	other := errors.New("db down")
	assert.Equal(t, other, lockErr(other))
}

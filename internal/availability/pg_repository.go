package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxDB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db pgxDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return newPgRepository(pool)
}

func newPgRepository(db pgxDB) *PgRepository {
	return &PgRepository{db: db}
}

var _ Repository = (*PgRepository)(nil)

const ruleColumns = `id, provider_id, rule_date, start_time, end_time, timezone,
	recurrence_kind, recurrence_end_date, slot_duration, break_duration,
	appointment_type, status, location_type, location_address, location_room,
	pricing, special_requirements, notes, max_appointments_per_slot,
	materialized_through, created_at, updated_at`

const slotColumns = `id, rule_id, provider_id, start_at, end_at, status,
	appointment_type, booking_reference, patient_id, notes, created_at, updated_at`

const slotDetailColumns = `s.id, s.rule_id, s.provider_id, s.start_at, s.end_at, s.status,
	s.appointment_type, s.booking_reference, s.patient_id, s.notes, s.created_at, s.updated_at,
	r.timezone, r.location_type, r.location_address, r.location_room, r.pricing, r.special_requirements`

var copySlotColumns = []string{
	"id", "rule_id", "provider_id", "start_at", "end_at", "status",
	"appointment_type", "booking_reference", "patient_id", "notes", "created_at", "updated_at",
}

// Helpers

func dateParam(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func timeParam(t civil.Time) pgtype.Time {
	us := int64(t.Hour*3600+t.Minute*60+t.Second)*1_000_000 + int64(t.Nanosecond/1000)
	return pgtype.Time{Microseconds: us, Valid: true}
}

func civilTime(t pgtype.Time) civil.Time {
	secs := t.Microseconds / 1_000_000
	return civil.Time{
		Hour:       int(secs / 3600),
		Minute:     int(secs % 3600 / 60),
		Second:     int(secs % 60),
		Nanosecond: int(t.Microseconds%1_000_000) * 1000,
	}
}

func statusStrings(statuses []SlotStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func scanProvider(row pgx.Row) (*ProviderInfo, error) {
	var p ProviderInfo
	var clinicAddress *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialization,
		&p.YearsOfExperience,
		&p.Rating,
		&clinicAddress,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	if clinicAddress != nil {
		p.ClinicAddress = *clinicAddress
	}
	return &p, nil
}

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		r                    Rule
		ruleDate, through    time.Time
		recurrenceEnd        *time.Time
		startTime, endTime   pgtype.Time
		address, room, notes *string
		pricing              []byte
	)

	err := row.Scan(
		&r.ID,
		&r.ProviderID,
		&ruleDate,
		&startTime,
		&endTime,
		&r.Timezone,
		&r.Recurrence.Kind,
		&recurrenceEnd,
		&r.SlotDuration,
		&r.BreakDuration,
		&r.AppointmentType,
		&r.Status,
		&r.Location.Type,
		&address,
		&room,
		&pricing,
		&r.SpecialRequirements,
		&notes,
		&r.MaxAppointmentsPerSlot,
		&through,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	r.Date = civil.DateOf(ruleDate)
	r.MaterializedThrough = civil.DateOf(through)
	r.StartTime = civilTime(startTime)
	r.EndTime = civilTime(endTime)
	if recurrenceEnd != nil {
		end := civil.DateOf(*recurrenceEnd)
		r.Recurrence.EndDate = &end
	}
	r.Location.Address = deref(address)
	r.Location.RoomNumber = deref(room)
	r.Notes = deref(notes)
	if r.Pricing, err = decodePricing(pricing); err != nil {
		return nil, err
	}
	return &r, nil
}

func slotDest(s *Slot, notes **string) []any {
	return []any{
		&s.ID,
		&s.RuleID,
		&s.ProviderID,
		&s.Start,
		&s.End,
		&s.Status,
		&s.AppointmentType,
		&s.BookingReference,
		&s.PatientID,
		notes,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var notes *string

	if err := row.Scan(slotDest(&s, &notes)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.Notes = deref(notes)
	s.Start, s.End = s.Start.UTC(), s.End.UTC()
	return &s, nil
}

func detailDest(d *SlotDetail, notes, address, room **string, pricing *[]byte) []any {
	return append(slotDest(&d.Slot, notes),
		&d.Timezone,
		&d.Location.Type,
		address,
		room,
		pricing,
		&d.SpecialRequirements,
	)
}

func finishDetail(d *SlotDetail, notes, address, room *string, pricing []byte) error {
	d.Notes = deref(notes)
	d.Location.Address = deref(address)
	d.Location.RoomNumber = deref(room)
	d.Start, d.End = d.Start.UTC(), d.End.UTC()
	p, err := decodePricing(pricing)
	if err != nil {
		return err
	}
	d.Pricing = p
	return nil
}

func scanSlotDetail(row pgx.Row) (*SlotDetail, error) {
	var d SlotDetail
	var notes, address, room *string
	var pricing []byte

	if err := row.Scan(detailDest(&d, &notes, &address, &room, &pricing)...); err != nil {
		return nil, err
	}
	if err := finishDetail(&d, notes, address, room, pricing); err != nil {
		return nil, err
	}
	return &d, nil
}

func decodePricing(raw []byte) (*Pricing, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p Pricing
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	return &p, nil
}

func encodePricing(p *Pricing) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func slotRows(slots []Slot) pgx.CopyFromSource {
	return pgx.CopyFromSlice(len(slots), func(i int) ([]any, error) {
		s := slots[i]
		return []any{
			s.ID, s.RuleID, s.ProviderID, s.Start, s.End, string(s.Status),
			string(s.AppointmentType), s.BookingReference, s.PatientID, nullable(s.Notes),
			s.CreatedAt, s.UpdatedAt,
		}, nil
	})
}

// Interface methods

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*ProviderInfo, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialization, years_of_experience, rating, clinic_address
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

// CreateProvider inserts a directory entry. Registration itself lives
// elsewhere; this is used by the seeder.
func (r *PgRepository) CreateProvider(ctx context.Context, p ProviderInfo) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO providers (id, name, specialization, years_of_experience, rating, clinic_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`, p.ID, p.Name, p.Specialization, p.YearsOfExperience, p.Rating, nullable(p.ClinicAddress))
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (r *PgRepository) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	row := r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM availability_rules WHERE id = $1`, id)
	return scanRule(row)
}

// CreateRuleWithSlots writes the rule and all of its slots in one transaction.
func (r *PgRepository) CreateRuleWithSlots(ctx context.Context, rule *Rule, slots []Slot) error {
	pricing, err := encodePricing(rule.Pricing)
	if err != nil {
		return fmt.Errorf("encode pricing: %w", err)
	}

	var recurrenceEnd *time.Time
	if rule.Recurrence.EndDate != nil {
		t := dateParam(*rule.Recurrence.EndDate)
		recurrenceEnd = &t
	}
	requirements := rule.SpecialRequirements
	if requirements == nil {
		requirements = []string{}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO availability_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		rule.ID, rule.ProviderID, dateParam(rule.Date), timeParam(rule.StartTime), timeParam(rule.EndTime), rule.Timezone,
		string(rule.Recurrence.Kind), recurrenceEnd, rule.SlotDuration, rule.BreakDuration,
		string(rule.AppointmentType), string(rule.Status), string(rule.Location.Type),
		nullable(rule.Location.Address), nullable(rule.Location.RoomNumber),
		pricing, requirements, nullable(rule.Notes), rule.MaxAppointmentsPerSlot,
		dateParam(rule.MaterializedThrough), rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert availability rule: %w", err)
	}

	if len(slots) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"slots"}, copySlotColumns, slotRows(slots))
		if err != nil {
			return fmt.Errorf("copy slots: %w", err)
		}
		if int(n) != len(slots) {
			return fmt.Errorf("copy slots: wrote %d of %d", n, len(slots))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit availability: %w", err)
	}
	return nil
}

// AppendSlots adds newly materialised slots to an existing rule and moves
// its materialised-through date forward.
func (r *PgRepository) AppendSlots(ctx context.Context, ruleID uuid.UUID, slots []Slot, materializedThrough civil.Date) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(slots) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"slots"}, copySlotColumns, slotRows(slots)); err != nil {
			return fmt.Errorf("copy slots: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE availability_rules
		SET materialized_through = $2,
		    updated_at = now()
		WHERE id = $1
	`, ruleID, dateParam(materializedThrough))
	if err != nil {
		return fmt.Errorf("update materialized_through: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit extension: %w", err)
	}
	return nil
}

func (r *PgRepository) ListRulesToExtend(ctx context.Context, before civil.Date, limit int) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE status = 'active'
		  AND recurrence_kind <> 'none'
		  AND recurrence_end_date IS NOT NULL
		  AND materialized_through < recurrence_end_date
		  AND materialized_through < $1
		ORDER BY materialized_through
		LIMIT $2
	`, dateParam(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) querySlots(ctx context.Context, sql string, args ...any) ([]Slot, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListActiveSlots returns the provider's available and booked slots that
// overlap [from, to).
func (r *PgRepository) ListActiveSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1
		  AND status IN ('available', 'booked')
		  AND start_at < $3
		  AND end_at > $2
		ORDER BY start_at
	`, providerID, from, to)
}

func (r *PgRepository) ListRuleSlots(ctx context.Context, ruleID uuid.UUID) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE rule_id = $1
		ORDER BY start_at
	`, ruleID)
}

func (r *PgRepository) ListProviderSlots(ctx context.Context, q SlotQuery) ([]SlotDetail, error) {
	where := []string{"s.provider_id = $1", "s.start_at < $3", "s.end_at > $2"}
	args := []any{q.ProviderID, q.From, q.To}
	if len(q.Statuses) > 0 {
		args = append(args, statusStrings(q.Statuses))
		where = append(where, fmt.Sprintf("s.status = ANY($%d)", len(args)))
	}
	if q.AppointmentType != "" {
		args = append(args, string(q.AppointmentType))
		where = append(where, fmt.Sprintf("s.appointment_type = $%d", len(args)))
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+slotDetailColumns+`
		FROM slots s
		JOIN availability_rules r ON r.id = s.rule_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY s.start_at
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SlotDetail
	for rows.Next() {
		d, err := scanSlotDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateSlot writes slot only if its stored status is still from.
func (r *PgRepository) UpdateSlot(ctx context.Context, slot *Slot, from SlotStatus) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE slots
		SET start_at = $2,
		    end_at = $3,
		    status = $4,
		    booking_reference = $5,
		    patient_id = $6,
		    notes = $7,
		    updated_at = now()
		WHERE id = $1
		  AND status = $8
		RETURNING `+slotColumns,
		slot.ID, slot.Start, slot.End, string(slot.Status), slot.BookingReference, slot.PatientID,
		nullable(slot.Notes), string(from))

	updated, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		if _, getErr := r.GetSlot(ctx, slot.ID); getErr == nil {
			return nil, fmt.Errorf("%w: slot %s is no longer %s", ErrInvalidTransition, slot.ID, from)
		}
	}
	return updated, err
}

func (r *PgRepository) DeleteSlots(ctx context.Context, ids []uuid.UUID, statuses []SlotStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM slots
		WHERE id = ANY($1::uuid[])
		  AND status = ANY($2)
	`, idStrings(ids), statusStrings(statuses))
	if err != nil {
		return 0, fmt.Errorf("delete slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SearchSlots returns available slots of active rules joined with their
// provider, ordered by provider then start. Limit caps the slots returned per
// provider so one busy provider cannot crowd the rest out.
func (r *PgRepository) SearchSlots(ctx context.Context, q SlotSearch) ([]SearchRow, error) {
	where := []string{
		"s.status = 'available'",
		"r.status = 'active'",
		"s.start_at >= $1",
		"s.start_at < $2",
		"s.start_at >= $3",
	}
	args := []any{q.From, q.To, q.NotBefore}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if q.Specialization != "" {
		add("p.specialization ILIKE $%d", "%"+q.Specialization+"%")
	}
	if q.LocationText != "" {
		add("(r.location_address ILIKE $%[1]d OR p.clinic_address ILIKE $%[1]d)", "%"+q.LocationText+"%")
	}
	if q.AppointmentType != "" {
		add("s.appointment_type = $%d", string(q.AppointmentType))
	}
	// Rules without pricing pass both price filters.
	if q.MaxPrice != nil {
		add("(r.pricing IS NULL OR (r.pricing->>'base_fee')::numeric <= $%d)", *q.MaxPrice)
	}
	if q.InsuranceAccepted != nil {
		add("(r.pricing IS NULL OR (r.pricing->>'insurance_accepted')::boolean = $%d)", *q.InsuranceAccepted)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	args = append(args, limit)

	rows, err := r.db.Query(ctx, `
		WITH ranked AS (
			SELECT s.id, ROW_NUMBER() OVER (PARTITION BY s.provider_id ORDER BY s.start_at, s.id) AS rn
			FROM slots s
			JOIN availability_rules r ON r.id = s.rule_id
			JOIN providers p ON p.id = s.provider_id
			WHERE `+strings.Join(where, " AND ")+`
		)
		SELECT `+slotDetailColumns+`,
		       p.id, p.name, p.specialization, p.years_of_experience, p.rating, p.clinic_address
		FROM ranked k
		JOIN slots s ON s.id = k.id
		JOIN availability_rules r ON r.id = s.rule_id
		JOIN providers p ON p.id = s.provider_id
		WHERE k.rn <= $`+fmt.Sprint(len(args))+`
		ORDER BY p.name, p.id, s.start_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SearchRow
	for rows.Next() {
		var (
			row                  SearchRow
			notes, address, room *string
			clinicAddress        *string
			pricing              []byte
		)
		dest := append(detailDest(&row.Slot, &notes, &address, &room, &pricing),
			&row.Provider.ID,
			&row.Provider.Name,
			&row.Provider.Specialization,
			&row.Provider.YearsOfExperience,
			&row.Provider.Rating,
			&clinicAddress,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if err := finishDetail(&row.Slot, notes, address, room, pricing); err != nil {
			return nil, err
		}
		row.Provider.ClinicAddress = deref(clinicAddress)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, provider_id, rule_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.EventType, ev.ProviderID, ev.RuleID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

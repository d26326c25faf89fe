package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carequeue/carequeue/internal/platform/db"
)

type callRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &callRepoPG{pool: pool}
}

func (r *callRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const callCols = `id, patient_id, doctor_id, status, urgency_level, symptoms, patient_location,
	chat_history, consultation_fee, offered_to, accepted_at, call_start_time, call_duration,
	ended_at, ended_by, doctor_notes, first_aid_instructions, unanswered_notified_at,
	created_at, updated_at`

func scanCall(row pgx.Row) (*Call, error) {
	var c Call
	var status, urgency string
	var chat []byte
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &status, &urgency, &c.Symptoms,
		&c.PatientLocation, &chat, &c.ConsultationFee, &c.OfferedTo, &c.AcceptedAt,
		&c.CallStartTime, &c.CallDuration, &c.EndedAt, &c.EndedBy, &c.DoctorNotes,
		&c.FirstAidInstructions, &c.UnansweredNotifiedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.UrgencyLevel = Urgency(urgency)
	if len(chat) > 0 {
		if err := json.Unmarshal(chat, &c.ChatHistory); err != nil {
			return nil, fmt.Errorf("decode chat history: %w", err)
		}
	}
	if c.ChatHistory == nil {
		c.ChatHistory = []ChatMessage{}
	}
	return &c, nil
}

func collectCalls(rows pgx.Rows) ([]*Call, error) {
	defer rows.Close()
	var items []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *callRepoPG) Create(ctx context.Context, c *Call) error {
	c.ID = uuid.New()
	if c.OfferedTo == nil {
		c.OfferedTo = []uuid.UUID{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO emergency_calls (id, patient_id, status, urgency_level, symptoms,
			patient_location, consultation_fee, offered_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, string(c.Status), string(c.UrgencyLevel), c.Symptoms,
		c.PatientLocation, c.ConsultationFee, c.OfferedTo, c.CreatedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if db.UniqueViolation(err) {
		return fmt.Errorf("%w: patient already has an open emergency call", ErrInvalidState)
	}
	if err != nil {
		return fmt.Errorf("insert emergency call: %w", err)
	}
	c.ChatHistory = []ChatMessage{}
	return nil
}

func (r *callRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Call, error) {
	c, err := scanCall(r.conn(ctx).QueryRow(ctx, `SELECT `+callCols+` FROM emergency_calls WHERE id = $1`, id))
	if db.NoRows(err) {
		return nil, ErrNotFound
	}
	return c, err
}

// miss explains a conditional update that matched no row.
func (r *callRepoPG) miss(ctx context.Context, id uuid.UUID, op string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return errInvalidState(current.Status, op)
}

func (r *callRepoPG) Claim(ctx context.Context, id, doctorID uuid.UUID, at time.Time) (*Call, error) {
	c, err := scanCall(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergency_calls
		SET doctor_id = $2, status = 'connecting', accepted_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending' AND doctor_id IS NULL
		RETURNING `+callCols, id, doctorID, at))
	if db.NoRows(err) {
		current, gerr := r.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, claimMiss(current)
	}
	if err != nil {
		return nil, fmt.Errorf("claim emergency call: %w", err)
	}
	return c, nil
}

func (r *callRepoPG) Transition(ctx context.Context, id uuid.UUID, from []Status, upd Update) (*Call, error) {
	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}
	c, err := scanCall(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergency_calls SET
			status = $3,
			call_start_time = COALESCE($4, call_start_time),
			call_duration = COALESCE($5, call_duration),
			ended_at = COALESCE($6, ended_at),
			ended_by = COALESCE($7, ended_by),
			doctor_notes = COALESCE($8, doctor_notes),
			first_aid_instructions = COALESCE($9, first_aid_instructions),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+callCols,
		id, expected, string(upd.To), upd.CallStartTime, upd.CallDuration, upd.EndedAt,
		upd.EndedBy, upd.DoctorNotes, upd.FirstAidInstructions))
	if db.NoRows(err) {
		return nil, r.miss(ctx, id, "move to "+string(upd.To))
	}
	if err != nil {
		return nil, fmt.Errorf("transition emergency call: %w", err)
	}
	return c, nil
}

func (r *callRepoPG) AppendChat(ctx context.Context, id uuid.UUID, msg ChatMessage) (*Call, error) {
	entry, err := json.Marshal([]ChatMessage{msg})
	if err != nil {
		return nil, err
	}
	c, err := scanCall(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergency_calls
		SET chat_history = chat_history || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status IN ('connecting', 'active')
		RETURNING `+callCols, id, string(entry)))
	if db.NoRows(err) {
		return nil, r.miss(ctx, id, "chat on")
	}
	if err != nil {
		return nil, fmt.Errorf("append chat: %w", err)
	}
	return c, nil
}

func (r *callRepoPG) ListPending(ctx context.Context, limit int) ([]*Call, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+callCols+` FROM emergency_calls
		WHERE status = 'pending'
		ORDER BY CASE urgency_level WHEN 'critical' THEN 0 WHEN 'high' THEN 1 ELSE 2 END, created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectCalls(rows)
}

func (r *callRepoPG) MarkUnanswered(ctx context.Context, cutoff, at time.Time) ([]*Call, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE emergency_calls SET unanswered_notified_at = $2
		WHERE status = 'pending' AND created_at < $1 AND unanswered_notified_at IS NULL
		RETURNING `+callCols, cutoff, at)
	if err != nil {
		return nil, err
	}
	return collectCalls(rows)
}

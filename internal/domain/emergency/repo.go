package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists emergency calls. Every status mutation is conditional
// on the expected prior status so concurrent callers cannot overwrite each
// other.
type Repository interface {
	// Create inserts a pending call. A patient with an open call gets
	// ErrInvalidState.
	Create(ctx context.Context, c *Call) error
	GetByID(ctx context.Context, id uuid.UUID) (*Call, error)
	// Claim binds doctorID to a pending, unbound call and moves it to
	// connecting. At most one claim per call ever succeeds; losers get
	// ErrAlreadyTaken, or ErrInvalidState if the call left pending unbound.
	Claim(ctx context.Context, id, doctorID uuid.UUID, at time.Time) (*Call, error)
	// Transition applies upd only while the call is in one of from.
	Transition(ctx context.Context, id uuid.UUID, from []Status, upd Update) (*Call, error)
	// AppendChat appends msg while the call is connecting or active.
	AppendChat(ctx context.Context, id uuid.UUID, msg ChatMessage) (*Call, error)
	ListPending(ctx context.Context, limit int) ([]*Call, error)
	// MarkUnanswered stamps pending calls created before cutoff that were
	// never stamped, returning only the calls stamped by this invocation.
	MarkUnanswered(ctx context.Context, cutoff, at time.Time) ([]*Call, error)
}

package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Role is the authenticated role of a caller.
type Role string

const (
	RolePatient       Role = "patient"
	RoleDoctor        Role = "doctor"
	RoleHospitalAdmin Role = "hospital_admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleHospitalAdmin:
		return true
	}
	return false
}

// Actor is the verified identity behind a request. HospitalID is set for
// doctors and hospital admins.
type Actor struct {
	ID         uuid.UUID
	Role       Role
	HospitalID uuid.UUID
}

func (a Actor) IsPatient() bool { return a.Role == RolePatient }
func (a Actor) IsDoctor() bool  { return a.Role == RoleDoctor }
func (a Actor) IsAdmin() bool   { return a.Role == RoleHospitalAdmin }

// AdminOf reports whether the actor administers the given hospital.
func (a Actor) AdminOf(hospitalID uuid.UUID) bool {
	return a.Role == RoleHospitalAdmin && a.HospitalID != uuid.Nil && a.HospitalID == hospitalID
}

func (a Actor) String() string {
	return fmt.Sprintf("%s/%s", a.Role, a.ID)
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a copy of ctx carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor stored by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

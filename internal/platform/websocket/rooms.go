package websocket

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

// Room key prefixes. A room key is "<kind>:<uuid>".
const (
	RoomKindHospital = "hospital"
	RoomKindDoctor   = "doctor"
	RoomKindPatient  = "patient"
	RoomKindCall     = "call"
)

func HospitalRoom(id uuid.UUID) string { return RoomKindHospital + ":" + id.String() }
func DoctorRoom(id uuid.UUID) string   { return RoomKindDoctor + ":" + id.String() }
func PatientRoom(id uuid.UUID) string  { return RoomKindPatient + ":" + id.String() }
func CallRoom(id uuid.UUID) string     { return RoomKindCall + ":" + id.String() }

// ParseRoom splits a room key into its kind and id.
func ParseRoom(room string) (kind string, id uuid.UUID, err error) {
	kind, raw, ok := strings.Cut(room, ":")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("malformed room %q", room)
	}
	switch kind {
	case RoomKindHospital, RoomKindDoctor, RoomKindPatient, RoomKindCall:
	default:
		return "", uuid.Nil, fmt.Errorf("unknown room kind %q", kind)
	}
	id, err = uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("malformed room id in %q: %w", room, err)
	}
	return kind, id, nil
}

// DefaultRooms returns the rooms a connection joins on connect, based on the
// authenticated role.
func DefaultRooms(a auth.Actor) []string {
	switch a.Role {
	case auth.RolePatient:
		return []string{PatientRoom(a.ID)}
	case auth.RoleDoctor:
		rooms := []string{DoctorRoom(a.ID)}
		if a.HospitalID != uuid.Nil {
			rooms = append(rooms, HospitalRoom(a.HospitalID))
		}
		return rooms
	case auth.RoleHospitalAdmin:
		if a.HospitalID != uuid.Nil {
			return []string{HospitalRoom(a.HospitalID)}
		}
	}
	return nil
}

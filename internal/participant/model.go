package participant

import "time"

type UserType string

const (
	UserTypeAdmin   UserType = "admin"
	UserTypeRescuer UserType = "rescuer"
	UserTypeCitizen UserType = "citizen"
)

// Valid informa se o tipo é aceito pelo BFF.
func (u UserType) Valid() bool {
	switch u {
	case UserTypeAdmin, UserTypeRescuer, UserTypeCitizen:
		return true
	}
	return false
}

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

type ActorType string

const (
	ActorUser ActorType = "USER"
	ActorAnon ActorType = "ANON"
)

// Participant é a linha de participação mantida pelo BFF.
type Participant struct {
	ID        string     `json:"id"`
	SosID     string     `json:"sosId"`
	UserID    string     `json:"userId"`
	UserType  UserType   `json:"userType"`
	Status    Status     `json:"status"`
	JoinedAt  time.Time  `json:"joinedAt"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
	ActorType ActorType  `json:"actorType"`
}

func (p Participant) Active() bool {
	return p.Status == StatusActive
}

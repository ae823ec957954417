package domain

type ParticipantRole string

const (
	RoleCustomer  ParticipantRole = "CUSTOMER"
	RoleCaregiver ParticipantRole = "CAREGIVER"
	RoleAdmin     ParticipantRole = "ADMIN"
	RoleSupport   ParticipantRole = "SUPPORT"
)

// Participant is a member of a chat room
type Participant struct {
	UserID string          `json:"userId"`
	Name   string          `json:"name"`
	Role   ParticipantRole `json:"role,omitempty"`
}

// Viewer identifies the signed-in user of a session
type Viewer struct {
	UserID string
	Name   string
}

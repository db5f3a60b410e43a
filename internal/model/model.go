package model

import "time"

// Relation names under which a guardian may be embedded in a student record.
// They double as the role carried by tokens issued to a guardian session.
const (
	RelationFather   = "father"
	RelationMother   = "mother"
	RelationGuardian = "guardian"
)

// Standalone account roles.
const (
	RoleStudent = "student"
	RoleParent  = "parent"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

func IsAccountRole(role string) bool {
	switch role {
	case RoleStudent, RoleParent, RoleStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

func IsRelation(role string) bool {
	switch role {
	case RelationFather, RelationMother, RelationGuardian:
		return true
	default:
		return false
	}
}

// Guardian is a sub-identity embedded in a student record. It can log in with
// its own email and password but has no record of its own; its sessions are
// tracked against the owning account.
type Guardian struct {
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	Gender       string `json:"gender,omitempty"`
	Address      string `json:"address,omitempty"`
}

// Contact is a display-only emergency contact for staff accounts.
type Contact struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation,omitempty"`
}

// Principal is an authenticatable account record. Student accounts may embed
// guardians keyed by relation name; every email, the account's own and each
// guardian's, is unique across the whole store.
type Principal struct {
	ID               string
	Email            string
	PasswordHash     string
	Name             string
	Phone            string
	Gender           string
	Role             string
	College          string
	Dept             string
	Year             int
	Avatar           string
	EmergencyContact *Contact
	Guardians        map[string]Guardian
	LastLogin        *time.Time
	RefreshTokens    []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasRefreshToken reports whether token is currently recorded on the account.
func (p *Principal) HasRefreshToken(token string) bool {
	for _, t := range p.RefreshTokens {
		if t == token {
			return true
		}
	}
	return false
}

// RemoveRefreshToken drops token from the account's list if present and
// reports whether it was there.
func (p *Principal) RemoveRefreshToken(token string) bool {
	for i, t := range p.RefreshTokens {
		if t == token {
			p.RefreshTokens = append(p.RefreshTokens[:i], p.RefreshTokens[i+1:]...)
			return true
		}
	}
	return false
}

type Bus struct {
	BusID          string
	RouteName      string
	IsNotAvailable bool
	CreatedAt      time.Time
}

// Report statuses.
const (
	ReportPending    = "Pending"
	ReportInProgress = "In Progress"
	ReportResolved   = "Resolved"
)

type Report struct {
	ID          string
	UserID      string
	ReportType  string
	Description string
	BusID       string
	BusName     string
	StopName    string
	Status      string
	Response    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

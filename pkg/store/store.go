package store

import (
	"errors"
	"time"

	"bloodbank/pkg/domain"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientUnits is returned when an adjustment would drive stock below zero.
	ErrInsufficientUnits = errors.New("insufficient units available")
)

// UserFilter narrows user listings. Zero fields are ignored.
type UserFilter struct {
	IDs           []string
	Role          domain.UserRole
	BloodGroup    domain.BloodGroup
	City          string
	AvailableOnly bool
	Limit         int
}

// RequestFilter narrows blood request listings. Zero fields are ignored.
type RequestFilter struct {
	HospitalID string
	Status     domain.RequestStatus
	BloodGroup domain.BloodGroup
	Limit      int
}

// DonationFilter narrows donation listings. Zero fields are ignored.
type DonationFilter struct {
	DonorID string
	Limit   int
}

// Store defines persistence operations for users, inventory, donations, requests and email logs.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers(UserFilter) ([]domain.User, error)
	DeleteUser(id string) (bool, error)

	// inventory
	EnsureInventory(groups []domain.BloodGroup) (int, error)
	AdjustInventory(group domain.BloodGroup, delta int) (domain.InventoryUnit, error)
	ListInventory() ([]domain.InventoryUnit, error)

	// donations
	RecordDonation(domain.Donation) (domain.Donation, domain.InventoryUnit, error)
	ListDonations(DonationFilter) ([]domain.Donation, error)

	// requests
	SaveRequest(domain.BloodRequest) error
	GetRequest(id string) (domain.BloodRequest, bool, error)
	FindActiveRequest(hospitalID, donorID string, group domain.BloodGroup) (domain.BloodRequest, bool, error)
	ListRequests(RequestFilter) ([]domain.BloodRequest, error)
	CountRequests(RequestFilter) (int, error)
	CountRequestsByBloodGroup() (map[domain.BloodGroup]int, error)

	// email logs
	AppendEmailLog(domain.EmailLog) error
	ListEmailLogs(requestID string) ([]domain.EmailLog, error)

	Close() error
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

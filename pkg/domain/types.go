package domain

import "time"

type UserRole string

const (
	RoleDonor    UserRole = "donor"
	RoleHospital UserRole = "hospital"
	RoleAdmin    UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// BloodGroup is one of the eight ABO/Rh labels.
type BloodGroup string

const (
	APos  BloodGroup = "A+"
	ANeg  BloodGroup = "A-"
	BPos  BloodGroup = "B+"
	BNeg  BloodGroup = "B-"
	ABPos BloodGroup = "AB+"
	ABNeg BloodGroup = "AB-"
	OPos  BloodGroup = "O+"
	ONeg  BloodGroup = "O-"
)

// BloodGroups lists every blood group sorted by label.
var BloodGroups = []BloodGroup{APos, ANeg, ABPos, ABNeg, BPos, BNeg, OPos, ONeg}

// ParseBloodGroup reports whether raw names a known blood group.
func ParseBloodGroup(raw string) (BloodGroup, bool) {
	for _, g := range BloodGroups {
		if string(g) == raw {
			return g, true
		}
	}
	return "", false
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency maps raw to an urgency, defaulting to medium when empty.
func ParseUrgency(raw string) (Urgency, bool) {
	switch Urgency(raw) {
	case "":
		return UrgencyMedium, true
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return Urgency(raw), true
	default:
		return "", false
	}
}

type DonationStatus string

const (
	DonationCompleted DonationStatus = "completed"
	DonationScheduled DonationStatus = "scheduled"
	DonationCancelled DonationStatus = "cancelled"
)

const (
	MinUnitsDonated  = 1
	MaxUnitsDonated  = 2
	MinUnitsRequired = 1
	MaxUnitsRequired = 100
)

type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	BloodGroup   BloodGroup `json:"bloodGroup,omitempty"`
	Age          int        `json:"age,omitempty"`
	Available    bool       `json:"availability"`
	HospitalName string     `json:"hospitalName,omitempty"`
	City         string     `json:"city,omitempty"`
	Contact      string     `json:"contact,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// DisplayName prefers the hospital name for hospitals.
func (u User) DisplayName() string {
	if u.Role == RoleHospital && u.HospitalName != "" {
		return u.HospitalName
	}
	return u.Name
}

type InventoryUnit struct {
	BloodGroup     BloodGroup `json:"bloodGroup"`
	UnitsAvailable int        `json:"unitsAvailable"`
	Low            bool       `json:"low"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// RestockAssistance is the optional donor offer attached to a donation.
type RestockAssistance struct {
	Offered bool   `json:"offered"`
	Message string `json:"message,omitempty"`
	Contact string `json:"contact,omitempty"`
	City    string `json:"city,omitempty"`
}

type Donation struct {
	ID           string             `json:"id"`
	DonorID      string             `json:"donorId"`
	DonorName    string             `json:"donorName"`
	BloodGroup   BloodGroup         `json:"bloodGroup"`
	UnitsDonated int                `json:"unitsDonated"`
	DonationDate time.Time          `json:"donationDate"`
	HospitalID   string             `json:"hospitalId,omitempty"`
	HospitalName string             `json:"hospitalName,omitempty"`
	Status       DonationStatus     `json:"status"`
	Restock      *RestockAssistance `json:"restockAssistance,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

type BloodRequest struct {
	ID             string        `json:"id"`
	HospitalID     string        `json:"hospitalId"`
	HospitalName   string        `json:"hospitalName"`
	DonorID        string        `json:"donorId,omitempty"`
	DonorName      string        `json:"donorName,omitempty"`
	DonorEmail     string        `json:"donorEmail,omitempty"`
	BloodGroup     BloodGroup    `json:"bloodGroup"`
	UnitsRequired  int           `json:"unitsRequired"`
	Urgency        Urgency       `json:"urgency"`
	PatientName    string        `json:"patientName,omitempty"`
	ContactPerson  string        `json:"contactPerson,omitempty"`
	ContactNumber  string        `json:"contactNumber,omitempty"`
	Location       string        `json:"location,omitempty"`
	Purpose        string        `json:"purpose,omitempty"`
	Status         RequestStatus `json:"status"`
	EmailSent      bool          `json:"emailSent"`
	EmailMessageID string        `json:"emailMessageId,omitempty"`
	EmailSentAt    *time.Time    `json:"emailSentAt,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	FulfilledAt    *time.Time    `json:"fulfilledAt,omitempty"`
}

type EmailStatus string

const (
	EmailStatusSent   EmailStatus = "sent"
	EmailStatusFailed EmailStatus = "failed"
)

// EmailLog records one dispatch attempt.
type EmailLog struct {
	ID        string            `json:"id"`
	RequestID string            `json:"requestId,omitempty"`
	Template  string            `json:"template"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Status    EmailStatus       `json:"status"`
	MessageID string            `json:"messageId,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

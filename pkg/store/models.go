package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;index"`
	Status       string
	BloodGroup   string `gorm:"index"`
	Age          int
	Available    bool `gorm:"not null"`
	HospitalName string
	City         string `gorm:"index"`
	Contact      string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type InventoryModel struct {
	BloodGroup     string    `gorm:"primaryKey"`
	UnitsAvailable int       `gorm:"not null;default:0;check:units_available >= 0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type DonationModel struct {
	ID           string    `gorm:"primaryKey"`
	DonorID      string    `gorm:"not null;index"`
	DonorName    string    `gorm:"not null"`
	BloodGroup   string    `gorm:"not null"`
	UnitsDonated int       `gorm:"not null;check:units_donated BETWEEN 1 AND 2"`
	DonationDate time.Time `gorm:"not null;index"`
	HospitalID   string
	HospitalName string
	Status       string         `gorm:"not null"`
	Restock      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

type BloodRequestModel struct {
	ID             string `gorm:"primaryKey"`
	HospitalID     string `gorm:"not null;index:idx_request_triple"`
	HospitalName   string `gorm:"not null"`
	DonorID        string `gorm:"index:idx_request_triple"`
	DonorName      string
	DonorEmail     string
	BloodGroup     string `gorm:"not null;index:idx_request_triple"`
	UnitsRequired  int    `gorm:"not null;check:units_required BETWEEN 1 AND 100"`
	Urgency        string `gorm:"not null"`
	PatientName    string
	ContactPerson  string
	ContactNumber  string
	Location       string
	Purpose        string
	Status         string `gorm:"not null;index"`
	EmailSent      bool   `gorm:"not null;default:false"`
	EmailMessageID string
	EmailSentAt    *time.Time
	Notes          string
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
	FulfilledAt    *time.Time
}

type EmailLogModel struct {
	ID          string `gorm:"primaryKey"`
	RequestID   string `gorm:"index"`
	Template    string `gorm:"not null"`
	FromAddress string
	ToAddress   string `gorm:"not null"`
	Subject     string
	Status      string `gorm:"not null"`
	MessageID   string
	Error       string
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
}

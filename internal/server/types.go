package server

import (
	"bloodbank/internal/app"
	"bloodbank/pkg/domain"
)

type registerRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Role         string `json:"role"`
	BloodGroup   string `json:"bloodGroup"`
	Age          int    `json:"age"`
	HospitalName string `json:"hospitalName"`
	City         string `json:"city"`
	Contact      string `json:"contact"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type updateMeRequest struct {
	Name         *string `json:"name"`
	Age          *int    `json:"age"`
	HospitalName *string `json:"hospitalName"`
	City         *string `json:"city"`
	Contact      *string `json:"contact"`
}

type availabilityRequest struct {
	Available *bool `json:"availability"`
}

type adjustInventoryRequest struct {
	BloodGroup string `json:"bloodGroup"`
	Delta      int    `json:"delta"`
}

type donationRequest struct {
	BloodGroup        string                    `json:"bloodGroup"`
	UnitsDonated      int                       `json:"unitsDonated"`
	HospitalID        string                    `json:"hospitalId"`
	HospitalName      string                    `json:"hospitalName"`
	DonationDate      string                    `json:"donationDate"`
	RestockAssistance *domain.RestockAssistance `json:"restockAssistance"`
}

type donationResponse struct {
	Donation  domain.Donation      `json:"donation"`
	Inventory domain.InventoryUnit `json:"inventory"`
}

type bloodRequestRequest struct {
	HospitalName  string `json:"hospitalName"`
	BloodGroup    string `json:"bloodGroup"`
	UnitsRequired int    `json:"unitsRequired"`
	Urgency       string `json:"urgency"`
	PatientName   string `json:"patientName"`
	ContactPerson string `json:"contactPerson"`
	ContactNumber string `json:"contactNumber"`
	Location      string `json:"location"`
	Purpose       string `json:"purpose"`
}

// input binds the form to the caller; hospitals can only file requests as themselves.
func (b bloodRequestRequest) input(user domain.User) app.RequestInput {
	return app.RequestInput{
		HospitalID:    user.ID,
		HospitalName:  b.HospitalName,
		BloodGroup:    b.BloodGroup,
		UnitsRequired: b.UnitsRequired,
		Urgency:       b.Urgency,
		PatientName:   b.PatientName,
		ContactPerson: b.ContactPerson,
		ContactNumber: b.ContactNumber,
		Location:      b.Location,
		Purpose:       b.Purpose,
	}
}

type sendToDonorRequest struct {
	bloodRequestRequest
	DonorID string `json:"donorId"`
}

type sendBulkRequest struct {
	bloodRequestRequest
	DonorIDs []string `json:"donorIds"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type adminUserUpdateRequest struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

type testEmailRequest struct {
	Email string `json:"email"`
}

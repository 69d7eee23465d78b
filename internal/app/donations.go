package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bloodbank/internal/util"
	"bloodbank/pkg/domain"
	"bloodbank/pkg/store"
)

// DonationInput carries a donor's donation form.
type DonationInput struct {
	BloodGroup   string
	UnitsDonated int
	HospitalID   string
	HospitalName string
	DonationDate time.Time
	Restock      *domain.RestockAssistance
}

// RecordDonation stores the donation and credits inventory in one transaction.
func (a *App) RecordDonation(ctx context.Context, donorID string, in DonationInput) (domain.Donation, domain.InventoryUnit, error) {
	group, ok := domain.ParseBloodGroup(strings.TrimSpace(in.BloodGroup))
	if !ok {
		return domain.Donation{}, domain.InventoryUnit{}, invalid("bloodGroup", "unknown blood group %q", in.BloodGroup)
	}
	if in.UnitsDonated < domain.MinUnitsDonated || in.UnitsDonated > domain.MaxUnitsDonated {
		return domain.Donation{}, domain.InventoryUnit{}, invalid("unitsDonated", "must be between %d and %d", domain.MinUnitsDonated, domain.MaxUnitsDonated)
	}
	donor, found, err := a.store.GetUserByID(donorID)
	if err != nil {
		return domain.Donation{}, domain.InventoryUnit{}, fmt.Errorf("fetch donor: %w", err)
	}
	if !found {
		return domain.Donation{}, domain.InventoryUnit{}, notFound("donor", donorID)
	}

	hospitalName := strings.TrimSpace(in.HospitalName)
	hospitalID := strings.TrimSpace(in.HospitalID)
	if hospitalID != "" && hospitalName == "" {
		if h, ok, err := a.store.GetUserByID(hospitalID); err == nil && ok {
			hospitalName = h.DisplayName()
		}
	}

	now := a.now()
	date := in.DonationDate
	if date.IsZero() {
		date = now
	}
	var restock *domain.RestockAssistance
	if in.Restock != nil && in.Restock.Offered {
		r := *in.Restock
		r.Message = strings.TrimSpace(r.Message)
		r.Contact = strings.TrimSpace(r.Contact)
		r.City = strings.TrimSpace(r.City)
		restock = &r
	}
	donation := domain.Donation{
		ID:           util.NewID(),
		DonorID:      donor.ID,
		DonorName:    donor.Name,
		BloodGroup:   group,
		UnitsDonated: in.UnitsDonated,
		DonationDate: date.UTC(),
		HospitalID:   hospitalID,
		HospitalName: hospitalName,
		Status:       domain.DonationCompleted,
		Restock:      restock,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	saved, unit, err := a.store.RecordDonation(donation)
	if err != nil {
		return domain.Donation{}, domain.InventoryUnit{}, fmt.Errorf("record donation: %w", err)
	}
	unit.Low = a.isLow(unit)
	util.LoggerFromContext(ctx).Info("donation recorded",
		"donation_id", saved.ID,
		"donor_id", donor.ID,
		"blood_group", group,
		"units", in.UnitsDonated,
		"units_available", unit.UnitsAvailable,
	)
	return saved, unit, nil
}

// MyDonations returns a donor's history, newest first.
func (a *App) MyDonations(ctx context.Context, donorID string, limit int) ([]domain.Donation, error) {
	return a.store.ListDonations(store.DonationFilter{DonorID: donorID, Limit: clampLimit(limit)})
}

// ListDonations returns all donations, newest first.
func (a *App) ListDonations(ctx context.Context, limit int) ([]domain.Donation, error) {
	return a.store.ListDonations(store.DonationFilter{Limit: clampLimit(limit)})
}

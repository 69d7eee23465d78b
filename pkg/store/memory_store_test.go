package store

import (
	"errors"
	"testing"
	"time"

	"bloodbank/pkg/domain"
)

var _ Store = (*MemoryStore)(nil)
var _ Store = (*GormStore)(nil)

func TestMemoryStoreEnsureInventoryIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.EnsureInventory(domain.BloodGroups)
	if err != nil || created != 8 {
		t.Fatalf("first ensure: created=%d err=%v", created, err)
	}
	if _, err := s.AdjustInventory(domain.OPos, 3); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	created, err = s.EnsureInventory(domain.BloodGroups)
	if err != nil || created != 0 {
		t.Fatalf("second ensure: created=%d err=%v", created, err)
	}
	units, err := s.ListInventory()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(units) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(units))
	}
	for i, u := range units {
		if u.BloodGroup != domain.BloodGroups[i] {
			t.Fatalf("row %d: expected %s, got %s", i, domain.BloodGroups[i], u.BloodGroup)
		}
		if u.BloodGroup == domain.OPos && u.UnitsAvailable != 3 {
			t.Fatalf("expected O+ untouched at 3, got %d", u.UnitsAvailable)
		}
	}
}

func TestMemoryStoreAdjustRejectsOverdraft(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.EnsureInventory(domain.BloodGroups); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.AdjustInventory(domain.ANeg, -1); !errors.Is(err, ErrInsufficientUnits) {
		t.Fatalf("expected ErrInsufficientUnits, got %v", err)
	}
	if _, err := s.AdjustInventory("C+", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRecordDonationRollsBackWithoutRow(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.RecordDonation(domain.Donation{ID: "d1", DonorID: "u1", BloodGroup: domain.BPos, UnitsDonated: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, _ := s.ListDonations(DonationFilter{})
	if len(list) != 0 {
		t.Fatalf("expected no donation to be kept, got %d", len(list))
	}
}

func TestMemoryStoreFindActiveRequestSkipsTerminal(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	_ = s.SaveRequest(domain.BloodRequest{ID: "r1", HospitalID: "h", DonorID: "d", BloodGroup: domain.OPos, Status: domain.RequestFulfilled, CreatedAt: now})
	if _, ok, _ := s.FindActiveRequest("h", "d", domain.OPos); ok {
		t.Fatalf("fulfilled request must not count as active")
	}
	_ = s.SaveRequest(domain.BloodRequest{ID: "r2", HospitalID: "h", DonorID: "d", BloodGroup: domain.OPos, Status: domain.RequestSent, CreatedAt: now})
	got, ok, _ := s.FindActiveRequest("h", "d", domain.OPos)
	if !ok || got.ID != "r2" {
		t.Fatalf("expected r2, got %+v ok=%v", got, ok)
	}
}

func TestMemoryStoreListUsersFilters(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveUser(domain.User{ID: "1", Email: "a@x", Role: domain.RoleDonor, BloodGroup: domain.OPos, City: "Pune", Available: true})
	_ = s.SaveUser(domain.User{ID: "2", Email: "b@x", Role: domain.RoleDonor, BloodGroup: domain.OPos, City: "Delhi", Available: false})
	_ = s.SaveUser(domain.User{ID: "3", Email: "c@x", Role: domain.RoleHospital, City: "pune"})

	got, _ := s.ListUsers(UserFilter{Role: domain.RoleDonor, BloodGroup: domain.OPos, AvailableOnly: true})
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("unexpected available donors: %+v", got)
	}
	got, _ = s.ListUsers(UserFilter{City: "PUNE"})
	if len(got) != 2 {
		t.Fatalf("expected case-insensitive city match, got %d", len(got))
	}
	got, _ = s.ListUsers(UserFilter{IDs: []string{"3", "2"}})
	if len(got) != 2 || got[0].ID != "2" {
		t.Fatalf("expected insertion order for id filter, got %+v", got)
	}

	deleted, _ := s.DeleteUser("1")
	if !deleted {
		t.Fatalf("expected delete to report removal")
	}
	if ok, _ := s.HasUserEmail("a@x"); ok {
		t.Fatalf("expected email index cleared")
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bloodbank/pkg/domain"
	"bloodbank/pkg/notify"
	"bloodbank/pkg/store"
)

type sentMail struct {
	Template notify.Template
	To       string
	Name     string
	Data     notify.TemplateData
}

type fakeMailer struct {
	mu      sync.Mutex
	failFor map[string]bool
	sent    []sentMail
	seq     int
}

func (m *fakeMailer) Send(_ context.Context, tpl notify.Template, to, name string, data notify.TemplateData) notify.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[to] {
		return notify.Result{Error: "550 mailbox unavailable", Code: notify.CodeSendFailed, Attempts: 1}
	}
	m.seq++
	m.sent = append(m.sent, sentMail{Template: tpl, To: to, Name: name, Data: data})
	return notify.Result{
		Success:     true,
		MessageID:   fmt.Sprintf("<%d@test.local>", m.seq),
		DeliveredAt: time.Now().UTC(),
		Subject:     string(tpl),
		From:        m.From(),
		Attempts:    1,
	}
}

func (m *fakeMailer) VerifyConfiguration(context.Context) error { return nil }

func (m *fakeMailer) From() string { return "bank@test.local" }

func (m *fakeMailer) sentTo(tpl notify.Template) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.Template == tpl {
			out = append(out, s.To)
		}
	}
	return out
}

type testEnv struct {
	app    *App
	store  *store.MemoryStore
	mailer *fakeMailer
}

func newTestEnv(t *testing.T, fallbackEmail string) testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("test-secret-0123456789", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	mailer := &fakeMailer{failFor: map[string]bool{}}
	a, err := New(Config{
		Store:             st,
		Sessions:          sessions,
		Mailer:            mailer,
		FallbackEmail:     fallbackEmail,
		LowStockThreshold: 5,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var tick int
	var mu sync.Mutex
	a.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	if _, err := a.InitializeInventory(context.Background()); err != nil {
		t.Fatalf("init inventory: %v", err)
	}
	return testEnv{app: a, store: st, mailer: mailer}
}

func seedUser(t *testing.T, st store.Store, id string, role domain.UserRole, group domain.BloodGroup) domain.User {
	t.Helper()
	u := domain.User{
		ID:         id,
		Name:       "User " + id,
		Email:      id + "@example.org",
		Role:       role,
		Status:     domain.StatusActive,
		BloodGroup: group,
		Available:  role == domain.RoleDonor,
		CreatedAt:  time.Now().UTC(),
	}
	if role == domain.RoleHospital {
		u.HospitalName = "Hospital " + id
	}
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("save user %s: %v", id, err)
	}
	return u
}

func inventoryFor(t *testing.T, a *App, group domain.BloodGroup) int {
	t.Helper()
	units, err := a.ListInventory(context.Background())
	if err != nil {
		t.Fatalf("list inventory: %v", err)
	}
	for _, u := range units {
		if u.BloodGroup == group {
			return u.UnitsAvailable
		}
	}
	t.Fatalf("no inventory row for %s", group)
	return 0
}

func TestInitializeInventoryIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	if _, err := env.app.AdjustInventory(ctx, "B+", 4); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	created, err := env.app.InitializeInventory(ctx)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no new rows, got %d", created)
	}
	units, err := env.app.ListInventory(ctx)
	if err != nil {
		t.Fatalf("list inventory: %v", err)
	}
	if len(units) != len(domain.BloodGroups) {
		t.Fatalf("expected %d rows, got %d", len(domain.BloodGroups), len(units))
	}
	for i, u := range units {
		if u.BloodGroup != domain.BloodGroups[i] {
			t.Fatalf("row %d: expected %s, got %s", i, domain.BloodGroups[i], u.BloodGroup)
		}
	}
	if got := inventoryFor(t, env.app, domain.BPos); got != 4 {
		t.Fatalf("expected B+ untouched at 4, got %d", got)
	}
}

func TestRecordDonationCreditsInventoryOnce(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.OPos)
	if _, err := env.app.AdjustInventory(ctx, "O+", 7); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	donation, unit, err := env.app.RecordDonation(ctx, donor.ID, DonationInput{BloodGroup: "O+", UnitsDonated: 2})
	if err != nil {
		t.Fatalf("record donation: %v", err)
	}
	if unit.UnitsAvailable != 9 || inventoryFor(t, env.app, domain.OPos) != 9 {
		t.Fatalf("expected O+ at 9, got %d", unit.UnitsAvailable)
	}
	if donation.DonorName != donor.Name || donation.Status != domain.DonationCompleted {
		t.Fatalf("unexpected donation %+v", donation)
	}
	all, err := env.app.ListDonations(ctx, 0)
	if err != nil {
		t.Fatalf("list donations: %v", err)
	}
	if len(all) != 1 || all[0].UnitsDonated != 2 || all[0].BloodGroup != domain.OPos {
		t.Fatalf("expected exactly one O+ donation of 2 units, got %+v", all)
	}
}

func TestAdjustInventoryRejectsNegativeStock(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := env.app.AdjustInventory(ctx, "A-", -1)
		if !errors.Is(err, ErrInsufficientUnits) {
			t.Fatalf("attempt %d: expected ErrInsufficientUnits, got %v", i, err)
		}
	}
	if got := inventoryFor(t, env.app, domain.ANeg); got != 0 {
		t.Fatalf("expected A- to stay at 0, got %d", got)
	}
	if _, err := env.app.AdjustInventory(ctx, "A-", 0); !IsValidation(err) {
		t.Fatalf("expected validation error for zero delta, got %v", err)
	}
	if _, err := env.app.AdjustInventory(ctx, "C+", 1); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown group, got %v", err)
	}
}

func TestLowStockFlagsRowsBelowThreshold(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	for _, g := range domain.BloodGroups {
		if _, err := env.app.AdjustInventory(ctx, string(g), 10); err != nil {
			t.Fatalf("adjust %s: %v", g, err)
		}
	}
	if _, err := env.app.AdjustInventory(ctx, "AB-", -8); err != nil {
		t.Fatalf("adjust AB-: %v", err)
	}
	low, err := env.app.LowStock(ctx)
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 1 || low[0].BloodGroup != domain.ABNeg || !low[0].Low {
		t.Fatalf("expected only AB- low, got %+v", low)
	}
}

func TestRecordDonationUnitsRange(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.BPos)

	if _, _, err := env.app.RecordDonation(ctx, donor.ID, DonationInput{BloodGroup: "B+", UnitsDonated: 3}); !IsValidation(err) {
		t.Fatalf("expected validation error for 3 units, got %v", err)
	}
	if got := inventoryFor(t, env.app, domain.BPos); got != 0 {
		t.Fatalf("rejected donation must not credit stock, got %d", got)
	}
	if _, _, err := env.app.RecordDonation(ctx, donor.ID, DonationInput{BloodGroup: "B+", UnitsDonated: 1}); err != nil {
		t.Fatalf("record 1 unit: %v", err)
	}
	if _, _, err := env.app.RecordDonation(ctx, donor.ID, DonationInput{BloodGroup: "Z", UnitsDonated: 1}); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown group, got %v", err)
	}
	if _, _, err := env.app.RecordDonation(ctx, "ghost", DonationInput{BloodGroup: "B+", UnitsDonated: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown donor, got %v", err)
	}
}

func TestRecordDonationResolvesHospitalName(t *testing.T) {
	env := newTestEnv(t, "")
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.ONeg)
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	donation, _, err := env.app.RecordDonation(context.Background(), donor.ID, DonationInput{
		BloodGroup:   "O-",
		UnitsDonated: 1,
		HospitalID:   hospital.ID,
		Restock:      &domain.RestockAssistance{Offered: true, Message: "  call me  "},
	})
	if err != nil {
		t.Fatalf("record donation: %v", err)
	}
	if donation.HospitalName != hospital.HospitalName {
		t.Fatalf("expected hospital name %q, got %q", hospital.HospitalName, donation.HospitalName)
	}
	if donation.Restock == nil || donation.Restock.Message != "call me" {
		t.Fatalf("expected trimmed restock offer, got %+v", donation.Restock)
	}
}

func TestCreateRequestRequiresHospitalName(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")

	_, err := env.app.CreateRequest(ctx, hospital, RequestInput{BloodGroup: "A+", UnitsRequired: 2})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	n, err := env.store.CountRequests(store.RequestFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
	if _, err := env.app.CreateRequest(ctx, hospital, RequestInput{HospitalName: "X", UnitsRequired: 2}); !IsValidation(err) {
		t.Fatalf("expected validation error for missing blood group, got %v", err)
	}
	if _, err := env.app.CreateRequest(ctx, hospital, RequestInput{HospitalName: "X", BloodGroup: "A+"}); !IsValidation(err) {
		t.Fatalf("expected validation error for missing units, got %v", err)
	}
}

func TestCreateRequestClampsUnitsAndConfirms(t *testing.T) {
	env := newTestEnv(t, "")
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	req, err := env.app.CreateRequest(context.Background(), hospital, RequestInput{
		HospitalName:  "City Hospital",
		BloodGroup:    "AB+",
		UnitsRequired: 500,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if req.Status != domain.RequestPending || req.UnitsRequired != domain.MaxUnitsRequired || req.Urgency != domain.UrgencyMedium {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.HospitalID != hospital.ID {
		t.Fatalf("expected hospital id %s, got %s", hospital.ID, req.HospitalID)
	}
	if got := env.mailer.sentTo(notify.TemplateRequestConfirmation); len(got) != 1 || got[0] != hospital.Email {
		t.Fatalf("expected confirmation to hospital, got %v", got)
	}
}

func TestCreateRequestSurvivesMailFailure(t *testing.T) {
	env := newTestEnv(t, "")
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	env.mailer.failFor[hospital.Email] = true
	if _, err := env.app.CreateRequest(context.Background(), hospital, RequestInput{
		HospitalName:  "City Hospital",
		BloodGroup:    "AB+",
		UnitsRequired: 1,
	}); err != nil {
		t.Fatalf("confirmation failure must not fail creation: %v", err)
	}
}

func TestSendToDonorResolvesByID(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.APos)

	out, err := env.app.SendToDonor(ctx, hospital, SendInput{
		DonorID:      donor.ID,
		RequestInput: RequestInput{BloodGroup: "A+", UnitsRequired: 2, Urgency: "critical"},
	})
	if err != nil {
		t.Fatalf("send to donor: %v", err)
	}
	if out.Resolution.Kind != ResolutionResolved || out.Resolution.Resolver != "by_id" || out.Resolution.Donor.ID != donor.ID {
		t.Fatalf("unexpected resolution %+v", out.Resolution)
	}
	if !out.Persisted || out.Deduplicated {
		t.Fatalf("expected a fresh persisted request, got %+v", out)
	}
	saved, err := env.app.GetRequest(ctx, out.Request.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if saved.Status != domain.RequestSent || !saved.EmailSent || saved.EmailMessageID == "" || saved.EmailSentAt == nil {
		t.Fatalf("unexpected saved request %+v", saved)
	}
	if saved.HospitalName != hospital.HospitalName {
		t.Fatalf("expected hospital name from caller, got %q", saved.HospitalName)
	}
	view, err := env.app.EmailStatus(ctx, saved.ID)
	if err != nil {
		t.Fatalf("email status: %v", err)
	}
	if len(view.Attempts) != 1 || view.Attempts[0].Status != domain.EmailStatusSent {
		t.Fatalf("expected one logged attempt, got %+v", view.Attempts)
	}
}

func TestSendToDonorFallbackChain(t *testing.T) {
	env := newTestEnv(t, "volunteers@example.org")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.OPos)

	out, err := env.app.SendToDonor(ctx, hospital, SendInput{
		DonorID:      "missing",
		RequestInput: RequestInput{BloodGroup: "O+"},
	})
	if err != nil {
		t.Fatalf("send with fallback: %v", err)
	}
	if out.Resolution.Kind != ResolutionFallback || out.Resolution.Donor.ID != donor.ID {
		t.Fatalf("expected fallback to %s, got %+v", donor.ID, out.Resolution)
	}

	out, err = env.app.SendToDonor(ctx, hospital, SendInput{
		DonorID:      "missing",
		RequestInput: RequestInput{BloodGroup: "AB-"},
	})
	if err != nil {
		t.Fatalf("send with placeholder: %v", err)
	}
	if out.Resolution.Kind != ResolutionPlaceholder || out.Resolution.Donor.Email != "volunteers@example.org" {
		t.Fatalf("expected placeholder, got %+v", out.Resolution)
	}
	if out.Request.DonorID != "" {
		t.Fatalf("placeholder request must not carry a donor id, got %q", out.Request.DonorID)
	}
}

func TestSendToDonorWithoutFallbackEmail(t *testing.T) {
	env := newTestEnv(t, "")
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	_, err := env.app.SendToDonor(context.Background(), hospital, SendInput{
		DonorID:      "missing",
		RequestInput: RequestInput{BloodGroup: "AB-"},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.app.SendToDonor(context.Background(), hospital, SendInput{RequestInput: RequestInput{BloodGroup: "AB-"}}); !IsValidation(err) {
		t.Fatalf("expected validation error for missing donor id, got %v", err)
	}
}

func TestSendToDonorDeliveryFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t, "")
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.BNeg)
	env.mailer.failFor[donor.Email] = true

	_, err := env.app.SendToDonor(context.Background(), hospital, SendInput{
		DonorID:      donor.ID,
		RequestInput: RequestInput{BloodGroup: "B-"},
	})
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.Donor.ID != donor.ID || de.Donor.Email != donor.Email || de.Code != notify.CodeSendFailed {
		t.Fatalf("delivery error must identify the donor, got %+v", de)
	}
	n, err := env.store.CountRequests(store.RequestFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no persisted request, got %d", n)
	}
}

func TestSendToDonorDeduplicatesActiveRequest(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	donor := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.APos)
	in := SendInput{DonorID: donor.ID, RequestInput: RequestInput{BloodGroup: "A+", UnitsRequired: 1}}

	first, err := env.app.SendToDonor(ctx, hospital, in)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	in.UnitsRequired = 3
	second, err := env.app.SendToDonor(ctx, hospital, in)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !second.Deduplicated || second.Request.ID != first.Request.ID {
		t.Fatalf("expected dedup onto %s, got %+v", first.Request.ID, second)
	}
	if second.Request.EmailMessageID == first.Request.EmailMessageID {
		t.Fatalf("expected refreshed message id")
	}
	if second.Request.UnitsRequired != 3 {
		t.Fatalf("expected refreshed units, got %d", second.Request.UnitsRequired)
	}
	n, err := env.store.CountRequests(store.RequestFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one request row, got %d", n)
	}

	if _, err := env.app.UpdateStatus(ctx, hospital, first.Request.ID, "fulfilled"); err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	third, err := env.app.SendToDonor(ctx, hospital, in)
	if err != nil {
		t.Fatalf("third send: %v", err)
	}
	if third.Deduplicated || third.Request.ID == first.Request.ID {
		t.Fatalf("terminal request must not absorb new sends")
	}
}

func TestSendBulkPartialFailure(t *testing.T) {
	env := newTestEnv(t, "")
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	d1 := seedUser(t, env.store, "donor-1", domain.RoleDonor, domain.OPos)
	d2 := seedUser(t, env.store, "donor-2", domain.RoleDonor, domain.OPos)
	d3 := seedUser(t, env.store, "donor-3", domain.RoleDonor, domain.OPos)
	env.mailer.failFor[d2.Email] = true

	out, err := env.app.SendBulk(context.Background(), hospital, BulkInput{
		DonorIDs:     []string{d1.ID, d2.ID, d3.ID},
		RequestInput: RequestInput{BloodGroup: "O+", UnitsRequired: 2},
	})
	if err != nil {
		t.Fatalf("send bulk: %v", err)
	}
	if out.SuccessfulCount != 2 || out.FailedCount != 1 || out.TotalRequested != 3 {
		t.Fatalf("unexpected counts %+v", out)
	}
	if out.Resolution != ResolutionResolved {
		t.Fatalf("expected resolved, got %s", out.Resolution)
	}
	if out.Errors[0].DonorID != d2.ID || out.Errors[0].DonorName != d2.Name || out.Errors[0].Error == "" {
		t.Fatalf("unexpected failure entry %+v", out.Errors[0])
	}
	got := map[string]bool{}
	for _, r := range out.Results {
		got[r.DonorID] = true
		if r.RequestID == "" || r.MessageID == "" {
			t.Fatalf("success entry missing ids: %+v", r)
		}
	}
	if !got[d1.ID] || !got[d3.ID] {
		t.Fatalf("expected donors 1 and 3 in results, got %+v", out.Results)
	}
	n, err := env.store.CountRequests(store.RequestFilter{Status: domain.RequestSent})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sent requests, got %d", n)
	}
}

func TestSendBulkFallsBackToBloodGroup(t *testing.T) {
	env := newTestEnv(t, "volunteers@example.org")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	for i := 0; i < 7; i++ {
		seedUser(t, env.store, fmt.Sprintf("donor-%d", i), domain.RoleDonor, domain.BPos)
	}

	out, err := env.app.SendBulk(ctx, hospital, BulkInput{
		DonorIDs:     []string{"ghost-1", "ghost-2"},
		RequestInput: RequestInput{BloodGroup: "B+"},
	})
	if err != nil {
		t.Fatalf("send bulk: %v", err)
	}
	if out.Resolution != ResolutionFallback || out.SuccessfulCount != maxBulkFallbackDonor {
		t.Fatalf("expected %d fallback donors, got %+v", maxBulkFallbackDonor, out)
	}

	out, err = env.app.SendBulk(ctx, hospital, BulkInput{
		DonorIDs:     []string{"ghost-1"},
		RequestInput: RequestInput{BloodGroup: "O-"},
	})
	if err != nil {
		t.Fatalf("send bulk placeholder: %v", err)
	}
	if out.Resolution != ResolutionPlaceholder || out.SuccessfulCount != 1 || out.Results[0].Email != "volunteers@example.org" {
		t.Fatalf("expected single placeholder, got %+v", out)
	}

	if _, err := env.app.SendBulk(ctx, hospital, BulkInput{DonorIDs: []string{" "}, RequestInput: RequestInput{BloodGroup: "O-"}}); !IsValidation(err) {
		t.Fatalf("expected validation error for empty ids, got %v", err)
	}
}

func TestSendBulkRejectsOversizedBatch(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	ids := make([]string, 0, MaxBulkRecipients+1)
	for i := 0; i <= MaxBulkRecipients; i++ {
		donor := seedUser(t, env.store, fmt.Sprintf("donor-%d", i), domain.RoleDonor, domain.APos)
		ids = append(ids, donor.ID)
	}

	if _, err := env.app.SendBulk(ctx, hospital, BulkInput{DonorIDs: ids, RequestInput: RequestInput{BloodGroup: "A+"}}); !IsValidation(err) {
		t.Fatalf("expected validation error for %d ids, got %v", len(ids), err)
	}
	if sent := env.mailer.sentTo(notify.TemplateBloodRequest); len(sent) != 0 {
		t.Fatalf("expected no emails for rejected batch, got %d", len(sent))
	}

	out, err := env.app.SendBulk(ctx, hospital, BulkInput{DonorIDs: ids[:MaxBulkRecipients], RequestInput: RequestInput{BloodGroup: "A+"}})
	if err != nil {
		t.Fatalf("send bulk at cap: %v", err)
	}
	if out.SuccessfulCount != MaxBulkRecipients {
		t.Fatalf("expected %d sends, got %+v", MaxBulkRecipients, out)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	other := seedUser(t, env.store, "hosp-2", domain.RoleHospital, "")
	admin := seedUser(t, env.store, "admin-1", domain.RoleAdmin, "")

	created, err := env.app.CreateRequest(ctx, hospital, RequestInput{HospitalName: "H", BloodGroup: "A+", UnitsRequired: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := env.app.UpdateStatus(ctx, other, created.ID, "approved"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for another hospital, got %v", err)
	}
	if _, err := env.app.UpdateStatus(ctx, hospital, created.ID, "shipped"); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	if _, err := env.app.UpdateStatus(ctx, hospital, created.ID, ""); !IsValidation(err) {
		t.Fatalf("expected validation error for empty status, got %v", err)
	}

	updated, err := env.app.UpdateStatus(ctx, hospital, created.ID, "fulfilled")
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if updated.Status != domain.RequestFulfilled || !updated.UpdatedAt.After(created.UpdatedAt) || updated.FulfilledAt == nil {
		t.Fatalf("unexpected updated request %+v", updated)
	}

	if _, err := env.app.UpdateStatus(ctx, admin, created.ID, "pending"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of fulfilled, got %v", err)
	}
	if _, err := env.app.UpdateStatus(ctx, admin, "nope", "fulfilled"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatsAggregates(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	hospital := seedUser(t, env.store, "hosp-1", domain.RoleHospital, "")
	for _, g := range []string{"A+", "A+", "O-"} {
		if _, err := env.app.CreateRequest(ctx, hospital, RequestInput{HospitalName: "H", BloodGroup: g, UnitsRequired: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	reqs, err := env.app.MyRequests(ctx, hospital.ID, 0)
	if err != nil {
		t.Fatalf("my requests: %v", err)
	}
	if _, err := env.app.UpdateStatus(ctx, hospital, reqs[0].ID, "approved"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	stats, err := env.app.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Approved != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.ByBloodGroup[domain.APos] != 2 || stats.ByBloodGroup[domain.ONeg] != 1 {
		t.Fatalf("unexpected breakdown %+v", stats.ByBloodGroup)
	}
	if len(stats.LowStock) != len(domain.BloodGroups) {
		t.Fatalf("expected every empty row to be low, got %d", len(stats.LowStock))
	}
}

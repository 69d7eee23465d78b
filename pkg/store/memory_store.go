package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bloodbank/pkg/domain"
)

// MemoryStore keeps every record in-process. Used by tests and local runs without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User // key: user ID
	email     map[string]string      // email -> user ID
	userOrder []string
	inventory map[domain.BloodGroup]domain.InventoryUnit
	donations []domain.Donation
	requests  map[string]domain.BloodRequest
	reqOrder  []string
	emailLogs []domain.EmailLog
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		email:     make(map[string]string),
		inventory: make(map[domain.BloodGroup]domain.InventoryUnit),
		requests:  make(map[string]domain.BloodRequest),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// SaveUser registers or replaces a user and tracks insertion order.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, exists := m.users[u.ID]; exists {
		if prev.Email != u.Email {
			delete(m.email, prev.Email)
		}
	} else {
		m.userOrder = append(m.userOrder, u.ID)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns users matching filter in insertion order.
func (m *MemoryStore) ListUsers(filter UserFilter) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids map[string]bool
	if len(filter.IDs) > 0 {
		ids = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}
	city := strings.TrimSpace(filter.City)
	res := make([]domain.User, 0)
	for _, id := range m.userOrder {
		u, ok := m.users[id]
		if !ok {
			continue
		}
		if ids != nil && !ids[u.ID] {
			continue
		}
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if filter.BloodGroup != "" && u.BloodGroup != filter.BloodGroup {
			continue
		}
		if city != "" && !strings.EqualFold(u.City, city) {
			continue
		}
		if filter.AvailableOnly && !u.Available {
			continue
		}
		res = append(res, u)
		if filter.Limit > 0 && len(res) >= filter.Limit {
			break
		}
	}
	return res, nil
}

// DeleteUser permanently removes a user.
func (m *MemoryStore) DeleteUser(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, nil
	}
	delete(m.users, id)
	delete(m.email, u.Email)
	filtered := m.userOrder[:0]
	for _, item := range m.userOrder {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.userOrder = filtered
	return true, nil
}

// EnsureInventory creates zero rows for missing groups.
func (m *MemoryStore) EnsureInventory(groups []domain.BloodGroup) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	now := time.Now().UTC()
	for _, g := range groups {
		if _, ok := m.inventory[g]; ok {
			continue
		}
		m.inventory[g] = domain.InventoryUnit{BloodGroup: g, UpdatedAt: now}
		created++
	}
	return created, nil
}

// AdjustInventory applies delta under the store lock.
func (m *MemoryStore) AdjustInventory(group domain.BloodGroup, delta int) (domain.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(group, delta)
}

func (m *MemoryStore) adjustLocked(group domain.BloodGroup, delta int) (domain.InventoryUnit, error) {
	unit, ok := m.inventory[group]
	if !ok {
		return domain.InventoryUnit{}, fmt.Errorf("inventory %s: %w", group, ErrNotFound)
	}
	if unit.UnitsAvailable+delta < 0 {
		return domain.InventoryUnit{}, fmt.Errorf("inventory %s: %w", group, ErrInsufficientUnits)
	}
	unit.UnitsAvailable += delta
	unit.UpdatedAt = time.Now().UTC()
	m.inventory[group] = unit
	return unit, nil
}

// ListInventory returns rows sorted by blood group label.
func (m *MemoryStore) ListInventory() ([]domain.InventoryUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.InventoryUnit, 0, len(m.inventory))
	for _, unit := range m.inventory {
		res = append(res, unit)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].BloodGroup < res[j].BloodGroup })
	return res, nil
}

// RecordDonation appends the donation and credits inventory while holding the lock.
// Nothing is written when the credit fails.
func (m *MemoryStore) RecordDonation(d domain.Donation) (domain.Donation, domain.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, err := m.adjustLocked(d.BloodGroup, d.UnitsDonated)
	if err != nil {
		return domain.Donation{}, domain.InventoryUnit{}, err
	}
	m.donations = append(m.donations, d)
	return d, unit, nil
}

// ListDonations returns donations newest first.
func (m *MemoryStore) ListDonations(filter DonationFilter) ([]domain.Donation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Donation, 0)
	for _, d := range m.donations {
		if filter.DonorID != "" && d.DonorID != filter.DonorID {
			continue
		}
		res = append(res, d)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].DonationDate.After(res[j].DonationDate) })
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

// SaveRequest stores or replaces a request.
func (m *MemoryStore) SaveRequest(r domain.BloodRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; !exists {
		m.reqOrder = append(m.reqOrder, r.ID)
	}
	m.requests[r.ID] = r
	return nil
}

// GetRequest retrieves a request by ID.
func (m *MemoryStore) GetRequest(id string) (domain.BloodRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	return r, ok, nil
}

// FindActiveRequest returns the newest active request for the triple.
func (m *MemoryStore) FindActiveRequest(hospitalID, donorID string, group domain.BloodGroup) (domain.BloodRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.reqOrder) - 1; i >= 0; i-- {
		r := m.requests[m.reqOrder[i]]
		if r.HospitalID == hospitalID && r.DonorID == donorID && r.BloodGroup == group && r.Status.Active() {
			return r, true, nil
		}
	}
	return domain.BloodRequest{}, false, nil
}

// ListRequests returns requests newest first.
func (m *MemoryStore) ListRequests(filter RequestFilter) ([]domain.BloodRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := m.filterRequestsLocked(filter)
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

// CountRequests counts requests matching filter.
func (m *MemoryStore) CountRequests(filter RequestFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filterRequestsLocked(filter)), nil
}

// CountRequestsByBloodGroup groups request counts per blood group.
func (m *MemoryStore) CountRequestsByBloodGroup() (map[domain.BloodGroup]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.BloodGroup]int)
	for _, r := range m.requests {
		out[r.BloodGroup]++
	}
	return out, nil
}

func (m *MemoryStore) filterRequestsLocked(filter RequestFilter) []domain.BloodRequest {
	res := make([]domain.BloodRequest, 0)
	for i := len(m.reqOrder) - 1; i >= 0; i-- {
		r := m.requests[m.reqOrder[i]]
		if filter.HospitalID != "" && r.HospitalID != filter.HospitalID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.BloodGroup != "" && r.BloodGroup != filter.BloodGroup {
			continue
		}
		res = append(res, r)
	}
	return res
}

// AppendEmailLog records one dispatch attempt.
func (m *MemoryStore) AppendEmailLog(entry domain.EmailLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emailLogs = append(m.emailLogs, entry)
	return nil
}

// ListEmailLogs returns logs for a request, oldest first.
func (m *MemoryStore) ListEmailLogs(requestID string) ([]domain.EmailLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.EmailLog, 0)
	for _, e := range m.emailLogs {
		if e.RequestID == requestID {
			res = append(res, e)
		}
	}
	return res, nil
}

package app

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"bloodbank/internal/util"
	"bloodbank/pkg/auth"
	"bloodbank/pkg/domain"
	"bloodbank/pkg/store"
)

const (
	minDonorAge = 18
	maxDonorAge = 65
)

// RegisterInput carries the registration form.
type RegisterInput struct {
	Name         string
	Email        string
	Password     string
	Role         string
	BloodGroup   string
	Age          int
	HospitalName string
	City         string
	Contact      string
}

// ProfilePatch lists the self-editable fields; nil means unchanged.
type ProfilePatch struct {
	Name         *string
	Age          *int
	HospitalName *string
	City         *string
	Contact      *string
}

// DonorSearch filters the public donor directory.
type DonorSearch struct {
	BloodGroup    string
	City          string
	AvailableOnly bool
	Limit         int
}

// Register creates an account and issues a session token.
// The admin role can only be claimed by the very first account.
func (a *App) Register(in RegisterInput) (domain.User, string, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.User{}, "", invalid("name", "is required")
	}
	if email == "" || in.Password == "" {
		return domain.User{}, "", invalid("email", "email and password required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return domain.User{}, "", invalid("email", "is not a valid address")
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, "", invalid("password", "%s", err.Error())
	}

	role := domain.UserRole(strings.ToLower(strings.TrimSpace(in.Role)))
	if role == "" {
		role = domain.RoleDonor
	}
	user := domain.User{
		Name:    name,
		Email:   email,
		Role:    role,
		City:    strings.TrimSpace(in.City),
		Contact: strings.TrimSpace(in.Contact),
	}
	switch role {
	case domain.RoleDonor:
		group, ok := domain.ParseBloodGroup(strings.TrimSpace(in.BloodGroup))
		if !ok {
			return domain.User{}, "", invalid("bloodGroup", "must be one of A+, A-, B+, B-, AB+, AB-, O+, O-")
		}
		if in.Age != 0 && (in.Age < minDonorAge || in.Age > maxDonorAge) {
			return domain.User{}, "", invalid("age", "must be between %d and %d", minDonorAge, maxDonorAge)
		}
		user.BloodGroup = group
		user.Age = in.Age
		user.Available = true
	case domain.RoleHospital:
		user.HospitalName = strings.TrimSpace(in.HospitalName)
		if user.HospitalName == "" {
			return domain.User{}, "", invalid("hospitalName", "is required for hospitals")
		}
	case domain.RoleAdmin:
		existing, err := a.store.ListUsers(store.UserFilter{Limit: 1})
		if err != nil {
			return domain.User{}, "", fmt.Errorf("count users: %w", err)
		}
		if len(existing) > 0 {
			return domain.User{}, "", invalid("role", "admin accounts cannot self-register")
		}
	default:
		return domain.User{}, "", invalid("role", "must be donor, hospital or admin")
	}

	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user.ID = util.NewID()
	user.PasswordHash = hash
	user.Status = domain.StatusActive
	user.CreatedAt = now
	user.UpdatedAt = now
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, "", ErrUserDisabled
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves an active user from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, false
	}
	return user, true
}

// Logout revokes the session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UpdateProfile applies the self-editable fields.
func (a *App) UpdateProfile(user domain.User, patch ProfilePatch) (domain.User, error) {
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return domain.User{}, invalid("name", "cannot be empty")
		}
		user.Name = name
	}
	if patch.Age != nil {
		if user.Role != domain.RoleDonor {
			return domain.User{}, invalid("age", "only applies to donors")
		}
		if *patch.Age < minDonorAge || *patch.Age > maxDonorAge {
			return domain.User{}, invalid("age", "must be between %d and %d", minDonorAge, maxDonorAge)
		}
		user.Age = *patch.Age
	}
	if patch.HospitalName != nil {
		if user.Role != domain.RoleHospital {
			return domain.User{}, invalid("hospitalName", "only applies to hospitals")
		}
		hn := strings.TrimSpace(*patch.HospitalName)
		if hn == "" {
			return domain.User{}, invalid("hospitalName", "cannot be empty")
		}
		user.HospitalName = hn
	}
	if patch.City != nil {
		user.City = strings.TrimSpace(*patch.City)
	}
	if patch.Contact != nil {
		user.Contact = strings.TrimSpace(*patch.Contact)
	}
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// SetAvailability toggles whether a donor appears in available-donor searches.
func (a *App) SetAvailability(user domain.User, available bool) (domain.User, error) {
	if user.Role != domain.RoleDonor {
		return domain.User{}, invalid("availability", "only donors have availability")
	}
	user.Available = available
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("update availability: %w", err)
	}
	return user, nil
}

// SearchDonors lists donors by optional blood group and city.
func (a *App) SearchDonors(q DonorSearch) ([]domain.User, error) {
	filter := store.UserFilter{
		Role:          domain.RoleDonor,
		City:          q.City,
		AvailableOnly: q.AvailableOnly,
		Limit:         clampLimit(q.Limit),
	}
	if raw := strings.TrimSpace(q.BloodGroup); raw != "" {
		group, ok := domain.ParseBloodGroup(raw)
		if !ok {
			return nil, invalid("bloodGroup", "unknown blood group %q", raw)
		}
		filter.BloodGroup = group
	}
	return a.store.ListUsers(filter)
}

// ListHospitals lists every hospital account.
func (a *App) ListHospitals() ([]domain.User, error) {
	return a.store.ListUsers(store.UserFilter{Role: domain.RoleHospital})
}

// AdminListUsers returns all users, optionally narrowed to a role.
func (a *App) AdminListUsers(role string) ([]domain.User, error) {
	filter := store.UserFilter{}
	if role = strings.TrimSpace(role); role != "" {
		switch r := domain.UserRole(role); r {
		case domain.RoleDonor, domain.RoleHospital, domain.RoleAdmin:
			filter.Role = r
		default:
			return nil, invalid("role", "unknown role %q", role)
		}
	}
	return a.store.ListUsers(filter)
}

// AdminUpdateUser allows admins to change role/status.
func (a *App) AdminUpdateUser(ctx context.Context, admin domain.User, userID string, role *domain.UserRole, status *domain.UserStatus) (domain.User, error) {
	target, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, notFound("user", userID)
	}
	if target.ID == admin.ID {
		if role != nil && *role != admin.Role {
			return domain.User{}, ErrCannotModifySelf
		}
		if status != nil && *status == domain.StatusDisabled {
			return domain.User{}, ErrCannotModifySelf
		}
	}
	if role != nil {
		switch *role {
		case domain.RoleDonor, domain.RoleHospital, domain.RoleAdmin:
			target.Role = *role
		default:
			return domain.User{}, invalid("role", "unknown role %q", *role)
		}
	}
	if status != nil {
		switch *status {
		case domain.StatusActive, domain.StatusDisabled:
			target.Status = *status
		default:
			return domain.User{}, invalid("status", "unknown status %q", *status)
		}
	}
	target.UpdatedAt = a.now()
	if err := a.store.SaveUser(target); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	if status != nil && *status == domain.StatusDisabled {
		a.revokeUserSessions(ctx, target.ID, target.UpdatedAt)
	}
	return target, nil
}

// AdminDeleteUser permanently removes a user. Donations and requests keep their references.
func (a *App) AdminDeleteUser(ctx context.Context, admin domain.User, userID string) error {
	if userID == admin.ID {
		return ErrCannotModifySelf
	}
	deleted, err := a.store.DeleteUser(userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !deleted {
		return notFound("user", userID)
	}
	a.revokeUserSessions(ctx, userID, a.now())
	return nil
}

func (a *App) revokeUserSessions(ctx context.Context, userID string, since time.Time) {
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return
	}
	if err := revoker.RevokeUserSessions(userID, since); err != nil {
		util.LoggerFromContext(ctx).Error("revoke user sessions failed", "user_id", userID, "err", err)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"

	"bloodbank/internal/util"
	"bloodbank/pkg/domain"
	"bloodbank/pkg/store"
)

// ResolutionKind tells how a recipient was found.
type ResolutionKind string

const (
	// ResolutionResolved is the donor that was asked for.
	ResolutionResolved ResolutionKind = "resolved"
	// ResolutionFallback is a different real donor with the requested blood group.
	ResolutionFallback ResolutionKind = "fallback"
	// ResolutionPlaceholder is a synthetic identity addressed to the configured fallback email.
	ResolutionPlaceholder ResolutionKind = "placeholder"
)

// MaxBulkRecipients bounds one bulk send. Delivery is sequential, so callers size
// their response deadlines from it.
const MaxBulkRecipients = 20

const (
	placeholderName      = "Blood Bank Volunteer"
	maxBulkFallbackDonor = 5
)

// ErrNoDonorResolved is returned when every resolver in the chain came up empty.
var ErrNoDonorResolved = errors.New("no donor could be resolved")

// DonorRef is the identity a request email is addressed to.
type DonorRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Resolution is the tagged outcome of donor resolution.
type Resolution struct {
	Kind     ResolutionKind `json:"kind"`
	Resolver string         `json:"resolver"`
	Donor    DonorRef       `json:"donor"`
}

// DonorQuery is what the hospital asked for.
type DonorQuery struct {
	DonorID    string
	BloodGroup domain.BloodGroup
}

// DonorResolver is one named step of the resolution chain.
type DonorResolver interface {
	Name() string
	Resolve(ctx context.Context, q DonorQuery) (Resolution, bool, error)
}

// ResolverChain tries resolvers in order and returns the first hit.
type ResolverChain []DonorResolver

// NewResolverChain builds by-id, by-blood-group and, when fallbackEmail is set, placeholder resolution.
func NewResolverChain(st store.Store, fallbackEmail string) ResolverChain {
	chain := ResolverChain{ByIDResolver{Store: st}, ByBloodGroupResolver{Store: st}}
	if fallbackEmail != "" {
		chain = append(chain, PlaceholderResolver{Email: fallbackEmail})
	}
	return chain
}

// Resolve runs the chain.
func (c ResolverChain) Resolve(ctx context.Context, q DonorQuery) (Resolution, error) {
	for _, r := range c {
		res, ok, err := r.Resolve(ctx, q)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolver %s: %w", r.Name(), err)
		}
		if ok {
			res.Resolver = r.Name()
			return res, nil
		}
	}
	return Resolution{}, ErrNoDonorResolved
}

// ByIDResolver looks the donor up by id.
type ByIDResolver struct {
	Store store.Store
}

func (ByIDResolver) Name() string { return "by_id" }

func (r ByIDResolver) Resolve(_ context.Context, q DonorQuery) (Resolution, bool, error) {
	if q.DonorID == "" {
		return Resolution{}, false, nil
	}
	u, ok, err := r.Store.GetUserByID(q.DonorID)
	if err != nil || !ok || u.Role != domain.RoleDonor {
		return Resolution{}, false, err
	}
	return Resolution{Kind: ResolutionResolved, Donor: donorRef(u)}, true, nil
}

// ByBloodGroupResolver picks any donor with the requested group, available donors first.
type ByBloodGroupResolver struct {
	Store store.Store
}

func (ByBloodGroupResolver) Name() string { return "by_blood_group" }

func (r ByBloodGroupResolver) Resolve(_ context.Context, q DonorQuery) (Resolution, bool, error) {
	donors, err := findDonors(r.Store, q.BloodGroup, 1)
	if err != nil || len(donors) == 0 {
		return Resolution{}, false, err
	}
	return Resolution{Kind: ResolutionFallback, Donor: donorRef(donors[0])}, true, nil
}

// PlaceholderResolver synthesizes a recipient at the fallback address.
// Every use is logged at WARN since it can hide a missing donor registry.
type PlaceholderResolver struct {
	Email string
}

func (PlaceholderResolver) Name() string { return "placeholder" }

func (r PlaceholderResolver) Resolve(ctx context.Context, q DonorQuery) (Resolution, bool, error) {
	if r.Email == "" {
		return Resolution{}, false, nil
	}
	util.LoggerFromContext(ctx).Warn("donor resolution fell back to placeholder recipient",
		"requested_donor_id", q.DonorID,
		"blood_group", q.BloodGroup,
		"fallback_email", r.Email,
	)
	return Resolution{Kind: ResolutionPlaceholder, Donor: placeholderDonor(r.Email)}, true, nil
}

// resolveMany resolves a bulk recipient list: the given ids, else up to five
// donors of the group, else the placeholder.
func (a *App) resolveMany(ctx context.Context, ids []string, group domain.BloodGroup) ([]DonorRef, ResolutionKind, error) {
	users, err := a.store.ListUsers(store.UserFilter{IDs: ids, Role: domain.RoleDonor})
	if err != nil {
		return nil, "", fmt.Errorf("resolve donors by id: %w", err)
	}
	if len(users) > 0 {
		return donorRefs(users), ResolutionResolved, nil
	}
	users, err = findDonors(a.store, group, maxBulkFallbackDonor)
	if err != nil {
		return nil, "", fmt.Errorf("resolve donors by blood group: %w", err)
	}
	if len(users) > 0 {
		return donorRefs(users), ResolutionFallback, nil
	}
	res, ok, err := PlaceholderResolver{Email: a.fallbackEmail}.Resolve(ctx, DonorQuery{BloodGroup: group})
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", ErrNoDonorResolved
	}
	return []DonorRef{res.Donor}, ResolutionPlaceholder, nil
}

func findDonors(st store.Store, group domain.BloodGroup, limit int) ([]domain.User, error) {
	donors, err := st.ListUsers(store.UserFilter{Role: domain.RoleDonor, BloodGroup: group, AvailableOnly: true, Limit: limit})
	if err != nil || len(donors) > 0 {
		return donors, err
	}
	return st.ListUsers(store.UserFilter{Role: domain.RoleDonor, BloodGroup: group, Limit: limit})
}

func placeholderDonor(email string) DonorRef {
	return DonorRef{Name: placeholderName, Email: email}
}

func donorRef(u domain.User) DonorRef {
	return DonorRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

func donorRefs(users []domain.User) []DonorRef {
	out := make([]DonorRef, 0, len(users))
	for _, u := range users {
		out = append(out, donorRef(u))
	}
	return out
}

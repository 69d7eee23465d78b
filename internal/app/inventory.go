package app

import (
	"context"
	"fmt"
	"strings"

	"bloodbank/internal/util"
	"bloodbank/pkg/domain"
)

// InitializeInventory ensures one zero row per blood group. Existing rows are untouched.
func (a *App) InitializeInventory(ctx context.Context) (int, error) {
	created, err := a.store.EnsureInventory(domain.BloodGroups)
	if err != nil {
		return created, fmt.Errorf("initialize inventory: %w", err)
	}
	if created > 0 {
		util.LoggerFromContext(ctx).Info("inventory initialized", "rows_created", created)
	}
	return created, nil
}

// AdjustInventory atomically applies delta to a blood group's stock.
// A delta that would take stock below zero fails with ErrInsufficientUnits.
func (a *App) AdjustInventory(ctx context.Context, bloodGroup string, delta int) (domain.InventoryUnit, error) {
	group, ok := domain.ParseBloodGroup(strings.TrimSpace(bloodGroup))
	if !ok {
		return domain.InventoryUnit{}, invalid("bloodGroup", "unknown blood group %q", bloodGroup)
	}
	if delta == 0 {
		return domain.InventoryUnit{}, invalid("delta", "must be non-zero")
	}
	unit, err := a.store.AdjustInventory(group, delta)
	if err != nil {
		return domain.InventoryUnit{}, fmt.Errorf("adjust inventory: %w", err)
	}
	unit.Low = a.isLow(unit)
	util.LoggerFromContext(ctx).Info("inventory adjusted",
		"blood_group", group,
		"delta", delta,
		"units_available", unit.UnitsAvailable,
	)
	return unit, nil
}

// ListInventory returns all rows sorted by blood group label.
func (a *App) ListInventory(ctx context.Context) ([]domain.InventoryUnit, error) {
	units, err := a.store.ListInventory()
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	for i := range units {
		units[i].Low = a.isLow(units[i])
	}
	return units, nil
}

// LowStock returns rows below the configured threshold.
func (a *App) LowStock(ctx context.Context) ([]domain.InventoryUnit, error) {
	units, err := a.ListInventory(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.InventoryUnit, 0)
	for _, u := range units {
		if u.Low {
			low = append(low, u)
		}
	}
	return low, nil
}

func (a *App) isLow(u domain.InventoryUnit) bool {
	return a.lowStock > 0 && u.UnitsAvailable < a.lowStock
}

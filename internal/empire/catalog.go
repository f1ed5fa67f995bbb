// Package empire manages a user's income-generating facilities: purchase,
// upgrade, periodic income accrual and collection.
package empire

import "math"

// FacilityType describes one purchasable facility. Hourly income is a pure
// function of level: base income scaled by 1 + 0.25*(level-1).
type FacilityType struct {
	ID            string  `json:"type"`
	Name          string  `json:"name"`
	UnlockLevel   int     `json:"unlock_level"`
	BaseCost      int64   `json:"base_cost"`
	IncomePerHour int64   `json:"income_per_hour"` // at level 1
	MaxLevel      int     `json:"max_level"`
	UpgradeCostX  float64 `json:"upgrade_cost_multiplier"`
}

// Catalog is the fixed facility roster, ordered by unlock level.
func Catalog() []*FacilityType {
	return []*FacilityType{
		{ID: "food_court", Name: "Food Court",
			UnlockLevel: 5, BaseCost: 500, IncomePerHour: 50, MaxLevel: 10, UpgradeCostX: 1.5},
		{ID: "entertainment_center", Name: "Entertainment Center",
			UnlockLevel: 8, BaseCost: 1000, IncomePerHour: 80, MaxLevel: 8, UpgradeCostX: 1.8},
		{ID: "tech_store", Name: "Tech Store",
			UnlockLevel: 10, BaseCost: 1500, IncomePerHour: 100, MaxLevel: 7, UpgradeCostX: 1.7},
		{ID: "luxury_boutique", Name: "Luxury Boutique",
			UnlockLevel: 12, BaseCost: 2000, IncomePerHour: 120, MaxLevel: 6, UpgradeCostX: 2.0},
		{ID: "wellness_spa", Name: "Wellness Spa",
			UnlockLevel: 15, BaseCost: 3000, IncomePerHour: 150, MaxLevel: 5, UpgradeCostX: 2.2},
		{ID: "cinema", Name: "Cinema",
			UnlockLevel: 18, BaseCost: 4000, IncomePerHour: 200, MaxLevel: 4, UpgradeCostX: 2.5},
	}
}

// TypeByID looks up a catalog entry, or nil.
func TypeByID(id string) *FacilityType {
	for _, t := range Catalog() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// UpgradeCost is the price to go from the current level to the next:
// base_cost * multiplier^(level-1), truncated.
func (t *FacilityType) UpgradeCost(currentLevel int) int64 {
	return int64(float64(t.BaseCost) * math.Pow(t.UpgradeCostX, float64(currentLevel-1)))
}

// IncomeAt is the hourly income at a given level.
func (t *FacilityType) IncomeAt(level int) int64 {
	return int64(float64(t.IncomePerHour) * (1 + 0.25*float64(level-1)))
}

// Package companion manages the deer pets: adoption, feeding, entertainment
// and the scheduled stat decay.
package companion

// Effect is the stat change one food item or activity applies before
// clamping. Costs are coins.
type Effect struct {
	ID        string `json:"id"`
	Health    int    `json:"health"`
	Happiness int    `json:"happiness"`
	Energy    int    `json:"energy"`
	Cost      int64  `json:"cost"`
}

// Foods is the feeding menu.
func Foods() []Effect {
	return []Effect{
		{ID: "fresh_grass", Health: 8, Happiness: 8, Energy: 10, Cost: 8},
		{ID: "herbs", Health: 6, Happiness: 10, Energy: 7, Cost: 7},
		{ID: "fruits", Health: 4, Happiness: 15, Energy: 5, Cost: 9},
		{ID: "mineral_salt", Health: 20, Happiness: 1, Energy: 8, Cost: 15},
		{ID: "fresh_water", Health: 3, Happiness: 3, Energy: 20, Cost: 3},
		{ID: "premium_feed", Health: 25, Happiness: 20, Energy: 25, Cost: 25},
	}
}

// Activities is the entertainment menu. Energy values are negative: playing
// trades energy for happiness.
func Activities() []Effect {
	return []Effect{
		{ID: "star_gazing", Happiness: 25, Energy: -2, Cost: 5},
		{ID: "herd_gathering", Happiness: 20, Energy: -3, Cost: 8},
		{ID: "desert_exploration", Happiness: 15, Energy: -5, Cost: 10},
		{ID: "social_play", Happiness: 30, Energy: -6, Cost: 10},
		{ID: "racing_games", Happiness: 18, Energy: -10, Cost: 15},
	}
}

func foodByID(id string) *Effect {
	for _, f := range Foods() {
		if f.ID == id {
			e := f
			return &e
		}
	}
	return nil
}

func activityByID(id string) *Effect {
	for _, a := range Activities() {
		if a.ID == id {
			e := a
			return &e
		}
	}
	return nil
}

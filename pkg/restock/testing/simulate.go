package testing

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// SimulationOptions shape generated demand
type SimulationOptions struct {
	Seed         int64
	WeekendLift  float64 // multiplier applied on Saturday and Sunday
	Noise        float64 // max absolute daily noise in units
	MinBase      int     // per-item base demand is drawn from [MinBase, MaxBase]
	MaxBase      int
	HolidayDates map[string]float64 // YYYY-MM-DD -> multiplier
}

// DefaultSimulation returns a mild weekly pattern with small noise
func DefaultSimulation() SimulationOptions {
	return SimulationOptions{
		Seed:        1,
		WeekendLift: 1.5,
		Noise:       2,
		MinBase:     5,
		MaxBase:     30,
	}
}

// SimulateSales generates one record per key per day for days starting at
// start. Output is deterministic for a given seed. Each item gets a stable
// base demand, lifted on weekends and configured holidays.
func SimulateSales(keys []types.Key, start time.Time, days int, opts SimulationOptions) []types.SalesRecord {
	rng := rand.New(rand.NewSource(opts.Seed))
	if opts.MaxBase < opts.MinBase {
		opts.MaxBase = opts.MinBase
	}
	if opts.WeekendLift == 0 {
		opts.WeekendLift = 1
	}

	out := make([]types.SalesRecord, 0, len(keys)*days)
	for _, key := range keys {
		base := float64(opts.MinBase + int(itemHash(key.ItemID)%uint32(opts.MaxBase-opts.MinBase+1)))
		for i := 0; i < days; i++ {
			day := types.AddDays(start, i)
			demand := base
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				demand *= opts.WeekendLift
			}
			if m, ok := opts.HolidayDates[types.FormatDay(day)]; ok {
				demand *= m
			}
			demand += (rng.Float64()*2 - 1) * opts.Noise

			qty := int(demand + 0.5)
			if qty < 0 {
				qty = 0
			}
			out = append(out, types.SalesRecord{
				Date:     day,
				ZoneID:   key.ZoneID,
				ItemID:   key.ItemID,
				Quantity: qty,
			})
		}
	}
	return out
}

// ConstantSales generates qty for every key and day
func ConstantSales(keys []types.Key, start time.Time, days, qty int) []types.SalesRecord {
	out := make([]types.SalesRecord, 0, len(keys)*days)
	for _, key := range keys {
		for i := 0; i < days; i++ {
			out = append(out, types.SalesRecord{
				Date:     types.AddDays(start, i),
				ZoneID:   key.ZoneID,
				ItemID:   key.ItemID,
				Quantity: qty,
			})
		}
	}
	return out
}

func itemHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

package engine

import (
	"math"
	"time"
)

// decayColumns is the contiguous layout the batch path scores over. Packing
// the inputs into flat float64 slices keeps the hot loop branch-light and
// cache-friendly for sweeps over thousands of records.
type decayColumns struct {
	importance []float64
	hours      []float64
	sinceLast  []float64 // hours since last access, NaN when never accessed
	access     []float64
	connection []float64
	channel    []float64
	mult       []float64
}

func (p DecayParams) pack(inputs []DecayInput, now time.Time) decayColumns {
	n := len(inputs)
	cols := decayColumns{
		importance: make([]float64, n),
		hours:      make([]float64, n),
		sinceLast:  make([]float64, n),
		access:     make([]float64, n),
		connection: make([]float64, n),
		channel:    make([]float64, n),
		mult:       make([]float64, n),
	}
	for i, in := range inputs {
		cols.importance[i] = in.Importance
		h := now.Sub(in.CreatedAt).Hours()
		if h < 0 {
			h = 0
		}
		cols.hours[i] = h
		if in.LastAccessed.IsZero() {
			cols.sinceLast[i] = math.NaN()
		} else {
			cols.sinceLast[i] = now.Sub(in.LastAccessed).Hours()
		}
		cols.access[i] = float64(in.AccessCount)
		cols.connection[i] = float64(in.ConnectionCount)
		cols.channel[i] = float64(in.ChannelMentions)
		mult, ok := p.TypeMultipliers[in.Type]
		if !ok {
			mult = 1
		}
		cols.mult[i] = mult
	}
	return cols
}

// scoreBatch is the columnar twin of Score. Every arithmetic step mirrors the
// scalar path exactly, in the same order, so scalar and batch results are
// bit-identical for the same inputs.
func (p DecayParams) scoreBatch(inputs []DecayInput, now time.Time) []float64 {
	cols := p.pack(inputs, now)
	window := p.RecencyWindow.Hours()

	out := make([]float64, len(inputs))
	for i := range out {
		imp := cols.importance[i]
		if imp <= 0 {
			out[i] = 0
			continue
		}

		stability := 1 + p.KAccess*math.Log1p(cols.access[i])
		resistance := math.Min(1, cols.connection[i]*p.KRelation)
		channelBoost := 1 / (1 + p.KChannel*cols.channel[i])

		rate := p.BaseRate * cols.mult[i] * channelBoost / stability * (1 - resistance)
		decayed := imp * math.Exp(-rate*cols.hours[i])

		if cols.hours[i] > window && !math.IsNaN(cols.sinceLast[i]) && cols.sinceLast[i] < 24 {
			decayed *= p.RecencyBoost
		}

		decayed = math.Max(decayed, imp*p.MinRetention)
		out[i] = math.Min(decayed, imp)
	}
	return out
}

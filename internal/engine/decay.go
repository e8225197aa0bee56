package engine

import (
	"math"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/pkg/types"
)

// DecayParams holds the coefficients of the decay scoring function.
type DecayParams struct {
	BaseRate        float64
	KAccess         float64
	KRelation       float64
	KChannel        float64
	TypeMultipliers map[types.MemoryType]float64
	RecencyWindow   time.Duration
	RecencyBoost    float64
	MinRetention    float64

	// BatchThreshold is the input size at which ScoreAll switches to the
	// columnar path. Both paths produce identical results.
	BatchThreshold int
}

// defaultTypeMultipliers orders decay speed: facts slowest, conversational
// snippets fastest.
var defaultTypeMultipliers = map[types.MemoryType]float64{
	types.TypeFact:         0.6,
	types.TypePreference:   0.8,
	types.TypeInsight:      1.0,
	types.TypeConversation: 1.4,
}

// DecayParamsFromConfig builds DecayParams from the loaded configuration.
func DecayParamsFromConfig(cfg config.DecayConfig) DecayParams {
	return DecayParams{
		BaseRate:        cfg.BaseRate,
		KAccess:         cfg.KAccess,
		KRelation:       cfg.KRelation,
		KChannel:        cfg.KChannel,
		TypeMultipliers: defaultTypeMultipliers,
		RecencyWindow:   time.Duration(cfg.RecencyWindowHours) * time.Hour,
		RecencyBoost:    cfg.RecencyBoost,
		MinRetention:    cfg.MinRetention,
		BatchThreshold:  cfg.BatchThreshold,
	}
}

// DecayInput is everything the scoring function needs about one record.
type DecayInput struct {
	Importance      float64
	Type            types.MemoryType
	CreatedAt       time.Time
	LastAccessed    time.Time
	AccessCount     int
	ConnectionCount int
	ChannelMentions int
}

// DecayInputFromRecord builds a DecayInput from a stored record and the
// current meta snapshot.
func DecayInputFromRecord(rec *types.MemoryRecord, meta *types.MetaSnapshot) DecayInput {
	return DecayInput{
		Importance:      rec.Importance,
		Type:            rec.Type,
		CreatedAt:       rec.CreatedAt,
		LastAccessed:    rec.LastAccessed,
		AccessCount:     rec.AccessCount,
		ConnectionCount: rec.ConnectionCount,
		ChannelMentions: meta.Mentions(rec.ID),
	}
}

// Score computes the decayed relevance of one record at the given instant.
//
// The result never leaves [0, importance]: the floor is importance times
// MinRetention, and the recency boost is clamped back to the importance
// ceiling after it is applied.
func (p DecayParams) Score(in DecayInput, now time.Time) float64 {
	if in.Importance <= 0 {
		return 0
	}

	hours := now.Sub(in.CreatedAt).Hours()
	if hours < 0 {
		hours = 0
	}

	stability := 1 + p.KAccess*math.Log1p(float64(in.AccessCount))
	resistance := math.Min(1, float64(in.ConnectionCount)*p.KRelation)
	channelBoost := 1 / (1 + p.KChannel*float64(in.ChannelMentions))

	mult, ok := p.TypeMultipliers[in.Type]
	if !ok {
		mult = 1
	}

	rate := p.BaseRate * mult * channelBoost / stability * (1 - resistance)
	decayed := in.Importance * math.Exp(-rate*hours)

	if hours > p.RecencyWindow.Hours() && !in.LastAccessed.IsZero() &&
		now.Sub(in.LastAccessed).Hours() < 24 {
		decayed *= p.RecencyBoost
	}

	decayed = math.Max(decayed, in.Importance*p.MinRetention)
	return math.Min(decayed, in.Importance)
}

// ScoreAll scores a set of records, switching to the columnar path when the
// input is large enough to amortize the layout conversion.
func (p DecayParams) ScoreAll(inputs []DecayInput, now time.Time) []float64 {
	if len(inputs) >= p.BatchThreshold && p.BatchThreshold > 0 {
		return p.scoreBatch(inputs, now)
	}
	out := make([]float64, len(inputs))
	for i, in := range inputs {
		out[i] = p.Score(in, now)
	}
	return out
}

package types

import "time"

// AccessPattern is the per-record feedback structure maintained by the meta
// tier. It is read-mostly: written on every long-term read, consumed by the
// Decay Engine as a resistance factor.
type AccessPattern struct {
	RecordID         string    `json:"record_id"`
	AccessCount      int       `json:"access_count"`
	ChannelDiversity int       `json:"channel_diversity"`
	LastHotAt        time.Time `json:"last_hot_at"`
}

// MetaSnapshot is a point-in-time view of the meta tier handed to the Decay
// Engine and the long-term query path. The snapshot is precomputed on a
// schedule; reading it never triggers a live meta computation, which keeps the
// meta→decay feedback loop one-directional.
type MetaSnapshot struct {
	// Hot contains the record IDs currently flagged as frequently accessed.
	Hot map[string]bool `json:"hot"`

	// ChannelMentions maps record ID to the number of distinct channels the
	// record was recently accessed from.
	ChannelMentions map[string]int `json:"channel_mentions"`

	TakenAt time.Time `json:"taken_at"`
}

// IsHot reports whether the record is flagged hot in this snapshot.
// A zero-value snapshot reports false for everything.
func (s *MetaSnapshot) IsHot(recordID string) bool {
	if s == nil || s.Hot == nil {
		return false
	}
	return s.Hot[recordID]
}

// Mentions returns the recent channel-diversity count for a record,
// zero when unknown.
func (s *MetaSnapshot) Mentions(recordID string) int {
	if s == nil || s.ChannelMentions == nil {
		return 0
	}
	return s.ChannelMentions[recordID]
}

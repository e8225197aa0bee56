package engine

import (
	"regexp"
	"strings"
	"time"
)

// TemporalFilter restricts a context lookup to [From, To).
type TemporalFilter struct {
	From time.Time
	To   time.Time
}

var isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

// ParseTemporalQuery scans query text for a temporal reference: an ISO date
// (or two, forming a range), or a relative phrase like "yesterday" or "last
// week". Returns nil when the query carries no temporal intent. Malformed
// dates are ignored rather than reported; a bad date in a query is a ranking
// concern, not an error.
func ParseTemporalQuery(query string, now time.Time) *TemporalFilter {
	matches := isoDatePattern.FindAllString(query, 2)
	var dates []time.Time
	for _, m := range matches {
		if d, err := time.Parse("2006-01-02", m); err == nil {
			dates = append(dates, d)
		}
	}
	switch len(dates) {
	case 1:
		return &TemporalFilter{From: dates[0], To: dates[0].Add(24 * time.Hour)}
	case 2:
		from, to := dates[0], dates[1]
		if to.Before(from) {
			from, to = to, from
		}
		return &TemporalFilter{From: from, To: to.Add(24 * time.Hour)}
	}

	lower := strings.ToLower(query)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch {
	case strings.Contains(lower, "yesterday"):
		return &TemporalFilter{From: today.AddDate(0, 0, -1), To: today}
	case strings.Contains(lower, "today"):
		return &TemporalFilter{From: today, To: today.Add(24 * time.Hour)}
	case strings.Contains(lower, "last week"):
		return &TemporalFilter{From: today.AddDate(0, 0, -7), To: today}
	case strings.Contains(lower, "this week"):
		weekday := int(today.Weekday())
		// Treat Monday as the start of the week.
		offset := (weekday + 6) % 7
		start := today.AddDate(0, 0, -offset)
		return &TemporalFilter{From: start, To: start.AddDate(0, 0, 7)}
	case strings.Contains(lower, "last month"):
		return &TemporalFilter{From: today.AddDate(0, -1, 0), To: today}
	}
	return nil
}

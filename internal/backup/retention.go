package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Retention is a tiered keep policy. Snapshots younger than a day are always
// kept; beyond that, Daily, Weekly and Monthly bound how many survive in the
// week, month and year tiers. Anything older than a year goes.
type Retention struct {
	Daily   int
	Weekly  int
	Monthly int
}

func listSnapshots(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// prune applies the retention policy and returns how many files it removed.
func (s *Service) prune() (int, error) {
	snaps, err := listSnapshots(s.dir)
	if err != nil {
		return 0, err
	}
	doomed := selectDoomed(snaps, s.retention, time.Now())

	removed := 0
	var lastErr error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	return removed, lastErr
}

// selectDoomed buckets snapshots by age and returns the paths exceeding each
// tier's quota. snaps must be sorted newest first.
func selectDoomed(snaps []Snapshot, policy Retention, now time.Time) []string {
	var daily, weekly, monthly []Snapshot
	var doomed []string

	for _, snap := range snaps {
		age := now.Sub(snap.Timestamp)
		switch {
		case age < 24*time.Hour:
			// Always kept.
		case age < 7*24*time.Hour:
			daily = append(daily, snap)
		case age < 30*24*time.Hour:
			weekly = append(weekly, snap)
		case age < 365*24*time.Hour:
			monthly = append(monthly, snap)
		default:
			doomed = append(doomed, snap.Path)
		}
	}

	for _, tier := range []struct {
		snaps []Snapshot
		keep  int
	}{
		{daily, policy.Daily},
		{weekly, policy.Weekly},
		{monthly, policy.Monthly},
	} {
		if len(tier.snaps) > tier.keep {
			for _, snap := range tier.snaps[tier.keep:] {
				doomed = append(doomed, snap.Path)
			}
		}
	}
	return doomed
}

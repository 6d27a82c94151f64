// Package merge reconciles fetched record batches into the canonical snapshot.
package merge

import (
	"time"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Apply merges batch into snap and returns the new snapshot with its counts.
// snap is never modified. Invalid records are skipped; a present key is
// replaced only by a record that is not worse. LastUpdate moves to now only
// when the record set actually changed, so applying the same batch twice
// yields the same snapshot.
func Apply(snap crawler.Snapshot, batch []crawler.Record, now time.Time) (crawler.Snapshot, crawler.MergeResult) {
	next, result, _ := apply(snap, batch, now)
	return next, result
}

func apply(snap crawler.Snapshot, batch []crawler.Record, now time.Time) (crawler.Snapshot, crawler.MergeResult, bool) {
	var result crawler.MergeResult
	records := make([]crawler.Record, 0, len(snap.Records)+len(batch))
	index := make(map[string]int, len(snap.Records)+len(batch))
	for _, rec := range snap.Records {
		id := rec.Key.String()
		if pos, dup := index[id]; dup {
			// Older snapshots may carry duplicates; keep the better one.
			if rec.NotWorseThan(records[pos]) {
				records[pos] = rec
			}
			continue
		}
		index[id] = len(records)
		records = append(records, rec)
	}
	changed := len(records) != len(snap.Records)

	for _, rec := range batch {
		if !rec.Valid() {
			result.Skipped++
			continue
		}
		rec.IndexKey = rec.Key.String()
		pos, exists := index[rec.IndexKey]
		if !exists {
			index[rec.IndexKey] = len(records)
			records = append(records, rec)
			result.Added++
			changed = true
			continue
		}
		existing := records[pos]
		if !rec.NotWorseThan(existing) {
			result.Skipped++
			continue
		}
		if !rec.SameAttributes(existing) {
			result.Updated++
		} else {
			result.Skipped++
		}
		if !rec.SameAttributes(existing) || !rec.FetchedAt.Equal(existing.FetchedAt) || rec.Completeness != existing.Completeness {
			records[pos] = rec
			changed = true
		}
	}

	crawler.SortRecords(records)
	next := crawler.Snapshot{
		Version:      snap.Version,
		LastUpdate:   snap.LastUpdate,
		TotalCount:   len(records),
		PeriodCounts: make(map[int]int),
		Records:      records,
	}
	for _, rec := range records {
		next.PeriodCounts[rec.Key.Period]++
	}
	if changed {
		next.LastUpdate = now.UTC()
	}
	return next, result, changed
}

// Package gaps finds keys the canonical snapshot is missing or holds
// incompletely and turns them into bounded one-shot lanes.
package gaps

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Partition is the (period, category, revision) part of a key.
type Partition struct {
	Period   int `json:"period"`
	Category int `json:"category"`
	Revision int `json:"revision"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%03d-%d-r%02d", p.Period, p.Category, p.Revision)
}

func partitionOf(k crawler.Key) Partition {
	return Partition{Period: k.Period, Category: k.Category, Revision: k.Revision}
}

// Range is an inclusive run of consecutive sequences.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of sequences in the range.
func (r Range) Len() int {
	return r.End - r.Start + 1
}

// Criteria decides whether a stored record deserves a refetch.
type Criteria struct {
	// MinCompleteness flags records with fewer non-empty attributes.
	MinCompleteness int
	// Required flags records missing any of these attributes.
	Required []string
}

// Partitions lists the partitions present in snap, newest period first.
func Partitions(snap crawler.Snapshot) []Partition {
	seen := map[Partition]bool{}
	var out []Partition
	for _, rec := range snap.Records {
		p := partitionOf(rec.Key)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Partition) int {
		if c := cmp.Compare(b.Period, a.Period); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return cmp.Compare(a.Revision, b.Revision)
	})
	return out
}

// Missing returns the ascending sequences of part absent from snap, from 1
// through the highest stored sequence, or through `through` when positive.
func Missing(snap crawler.Snapshot, part Partition, through int) []int {
	present := map[int]bool{}
	highest := 0
	for _, rec := range snap.Records {
		if partitionOf(rec.Key) != part {
			continue
		}
		present[rec.Key.Sequence] = true
		highest = max(highest, rec.Key.Sequence)
	}
	if through > 0 {
		highest = through
	}
	var missing []int
	for seq := 1; seq <= highest; seq++ {
		if !present[seq] {
			missing = append(missing, seq)
		}
	}
	return missing
}

// Incomplete returns the ascending sequences of part whose stored record
// falls short of c.
func Incomplete(snap crawler.Snapshot, part Partition, c Criteria) []int {
	var out []int
	for _, rec := range snap.Records {
		if partitionOf(rec.Key) != part || !c.flags(rec) {
			continue
		}
		out = append(out, rec.Key.Sequence)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (c Criteria) flags(rec crawler.Record) bool {
	if rec.Completeness < c.MinCompleteness {
		return true
	}
	for _, name := range c.Required {
		if strings.TrimSpace(rec.Attributes[name]) == "" {
			return true
		}
	}
	return false
}

// Group folds ascending sequences into consecutive ranges.
func Group(seqs []int) []Range {
	var out []Range
	for _, seq := range seqs {
		if n := len(out); n > 0 && out[n-1].End+1 == seq {
			out[n-1].End = seq
			continue
		}
		out = append(out, Range{Start: seq, End: seq})
	}
	return out
}

// Lanes builds one bounded one-shot lane per range, copying the knobs of
// template. Names carry prefix so reports tell the lanes apart from regular ones.
func Lanes(part Partition, ranges []Range, template crawler.Lane, prefix string) []crawler.Lane {
	out := make([]crawler.Lane, 0, len(ranges))
	for _, r := range ranges {
		l := template
		l.Name = ""
		l.Period, l.Category, l.Revision = part.Period, part.Category, part.Revision
		l.StartSequence, l.EndSequence = r.Start, r.End
		l.MaxSteps = 0
		l.OneShot = true
		if prefix != "" {
			l.Name = prefix + "-" + l.ID()
		}
		out = append(out, l)
	}
	return out
}

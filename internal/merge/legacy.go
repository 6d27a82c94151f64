package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// legacyKeyFields are the bookkeeping fields of a legacy permit; they are
// derived from the key and are not attributes.
var legacyKeyFields = map[string]bool{
	"indexKey":       true,
	"permitYear":     true,
	"permitType":     true,
	"sequenceNumber": true,
	"versionNumber":  true,
	"crawledAt":      true,
}

// legacyTimeLayouts covers the timestamps written by the earlier crawler,
// which omitted the zone.
var legacyTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"}

type legacyDocument struct {
	LastUpdate string           `json:"lastUpdate"`
	Permits    []map[string]any `json:"permits"`
}

// decodeLegacy converts the flat permit layout ({"permits": [...], "yearCounts": {...}})
// into a snapshot. A permit without a decodable indexKey fails the whole document.
func decodeLegacy(data []byte) (crawler.Snapshot, error) {
	var doc legacyDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode legacy snapshot: %w", err)
	}

	records := make([]crawler.Record, 0, len(doc.Permits))
	for i, permit := range doc.Permits {
		raw, _ := permit["indexKey"].(string)
		key, err := crawler.DecodeKey(raw)
		if err != nil {
			return crawler.Snapshot{}, fmt.Errorf("decode legacy permit %d: %w", i, err)
		}
		attrs := make(map[string]string, len(permit))
		for name, value := range permit {
			if legacyKeyFields[name] {
				continue
			}
			if s, ok := legacyValue(value); ok {
				attrs[name] = s
			}
		}
		crawledAt, _ := permit["crawledAt"].(string)
		records = append(records, crawler.NewRecord(key, attrs, parseLegacyTime(crawledAt)))
	}

	snap, _ := Apply(crawler.Snapshot{PeriodCounts: map[int]int{}}, records, parseLegacyTime(doc.LastUpdate))
	return snap, nil
}

func legacyValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

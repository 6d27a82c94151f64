// Package detector classifies endpoint responses into fetch outcomes.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Markers are the observed strings that tell endpoint pages apart. They are
// undocumented behavior of the remote site and must stay configurable.
type Markers struct {
	NotIssued []string `mapstructure:"not_issued"`
	Record    []string `mapstructure:"record"`
	Landing   []string `mapstructure:"landing"`
}

// DefaultMarkers returns the markers observed on the Taichung permit lookup.
func DefaultMarkers() Markers {
	return Markers{
		NotIssued: []string{"查無任何資訊", "查無此案件編號資料", "查無資料"},
		Record:    []string{"建築執照號碼", "建造執照號碼"},
		Landing:   []string{"○○○代表遺失個資歡迎"},
	}
}

// Classifier implements a handful of marker-based rules.
type Classifier struct {
	notIssued    [][]byte
	record       [][]byte
	landing      [][]byte
	MinBodyBytes int
}

// NewClassifier creates a classifier. Empty marker groups fall back to DefaultMarkers.
func NewClassifier(m Markers, minBodyBytes int) *Classifier {
	def := DefaultMarkers()
	if len(m.NotIssued) == 0 {
		m.NotIssued = def.NotIssued
	}
	if len(m.Record) == 0 {
		m.Record = def.Record
	}
	if len(m.Landing) == 0 {
		m.Landing = def.Landing
	}
	if minBodyBytes < 0 {
		minBodyBytes = 0
	}
	return &Classifier{
		notIssued:    toBytes(m.NotIssued),
		record:       toBytes(m.Record),
		landing:      toBytes(m.Landing),
		MinBodyBytes: minBodyBytes,
	}
}

// IsLanding reports whether body is the generic page served before the session settles.
func (c *Classifier) IsLanding(body []byte) bool {
	return containsAny(body, c.landing) && !containsAny(body, c.record)
}

// Classify maps a decoded response to an outcome.
func (c *Classifier) Classify(status int, body []byte) crawler.Outcome {
	if status != http.StatusOK {
		return crawler.TransientFailure("unexpected status %d", status)
	}
	if containsAny(body, c.notIssued) {
		return crawler.NotYetIssued()
	}
	if containsAny(body, c.record) {
		if len(body) < c.MinBodyBytes {
			return crawler.TransientFailure("record body too short: %d bytes", len(body))
		}
		return crawler.Fetched(body)
	}
	if containsAny(body, c.landing) {
		return crawler.TransientFailure("landing page after warm-up")
	}
	if len(body) < c.MinBodyBytes {
		return crawler.TransientFailure("body too short: %d bytes", len(body))
	}
	return crawler.TransientFailure("unrecognized content")
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func toBytes(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		out = append(out, []byte(s))
	}
	return out
}

// Package goquery implements crawler.Extractor with label-driven table rules.
package goquery

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Rule maps a labelled table row to one attribute.
type Rule struct {
	// Label must appear in the row's first cell.
	Label     string `mapstructure:"label"`
	Attribute string `mapstructure:"attribute"`
	// Cell is the index of the value cell. Zero means 1.
	Cell int `mapstructure:"cell"`
	// When, if set, must appear in cell WhenCell for the rule to apply.
	When     string `mapstructure:"when"`
	WhenCell int    `mapstructure:"when_cell"`
	// Number keeps only the first decimal number of the value.
	Number bool `mapstructure:"number"`
}

// Config controls extraction.
type Config struct {
	IdentifierAttribute string `mapstructure:"identifier_attribute"`
	// IdentifierPattern is applied to the document text when no rule produced
	// the identifier. Its first capture group is the identifier.
	IdentifierPattern string `mapstructure:"identifier_pattern"`
	RowSelector       string `mapstructure:"row_selector"`
	CellSelector      string `mapstructure:"cell_selector"`
	Rules             []Rule `mapstructure:"rules"`
}

// DefaultRules returns the rules for the Taichung building permit page.
func DefaultRules() []Rule {
	return []Rule{
		{Label: "建造執照號碼", Attribute: "permitNumber"},
		{Label: "建築執照號碼", Attribute: "permitNumber"},
		{Label: "起造人", Attribute: "applicantName", Cell: 2, When: "姓名", WhenCell: 1},
		{Label: "設計人", Attribute: "designerName", Cell: 2, When: "姓名", WhenCell: 1},
		{Label: "設計人", Attribute: "designerCompany", Cell: 4, When: "事務所", WhenCell: 3},
		{Label: "監造人", Attribute: "supervisorName", Cell: 2, When: "姓名", WhenCell: 1},
		{Label: "監造人", Attribute: "supervisorCompany", Cell: 4, When: "事務所", WhenCell: 3},
		{Label: "承造人", Attribute: "contractorName", Cell: 2, When: "姓名", WhenCell: 1},
		{Label: "承造人", Attribute: "contractorCompany", Cell: 4},
		{Label: "專任工程人員", Attribute: "engineerName"},
		{Label: "地號", Attribute: "siteLotNumber"},
		{Label: "地址", Attribute: "siteAddress"},
		{Label: "使用分區", Attribute: "siteZone"},
		{Label: "基地面積", Attribute: "siteArea", Cell: 3, Number: true},
	}
}

// DefaultConfig returns the configuration matching DefaultRules.
func DefaultConfig() Config {
	return Config{
		IdentifierAttribute: "permitNumber",
		IdentifierPattern:   `(?:建造|建築)執照號碼[：:\s]*([^\s<：:]+)`,
		RowSelector:         "table tr",
		CellSelector:        "td, th",
		Rules:               DefaultRules(),
	}
}

var numberPattern = regexp.MustCompile(`[\d.]+`)

// Extractor implements crawler.Extractor.
type Extractor struct {
	cfg        Config
	identifier *regexp.Regexp
	clock      crawler.Clock
}

// New builds an Extractor. Empty fields fall back to DefaultConfig.
func New(cfg Config, clk crawler.Clock) (*Extractor, error) {
	def := DefaultConfig()
	if cfg.IdentifierAttribute == "" {
		cfg.IdentifierAttribute = def.IdentifierAttribute
	}
	if cfg.IdentifierPattern == "" {
		cfg.IdentifierPattern = def.IdentifierPattern
	}
	if cfg.RowSelector == "" {
		cfg.RowSelector = def.RowSelector
	}
	if cfg.CellSelector == "" {
		cfg.CellSelector = def.CellSelector
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = def.Rules
	}
	re, err := regexp.Compile(cfg.IdentifierPattern)
	if err != nil {
		return nil, fmt.Errorf("compile identifier pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("identifier pattern %q needs a capture group", cfg.IdentifierPattern)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Extractor{cfg: cfg, identifier: re, clock: clk}, nil
}

// Extract parses the labelled rows of body into a record for key.
func (e *Extractor) Extract(body []byte, key crawler.Key) (crawler.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Record{}, fmt.Errorf("parse document: %w", err)
	}

	attrs := make(map[string]string)
	doc.Find(e.cfg.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find(e.cfg.CellSelector).Map(func(_ int, cell *goquery.Selection) string {
			return strings.TrimSpace(cell.Text())
		})
		if len(cells) < 2 {
			return
		}
		for _, rule := range e.cfg.Rules {
			if attrs[rule.Attribute] != "" {
				continue
			}
			if value, ok := rule.apply(cells); ok {
				attrs[rule.Attribute] = value
			}
		}
	})

	id := e.cfg.IdentifierAttribute
	if attrs[id] == "" {
		if m := e.identifier.FindStringSubmatch(doc.Text()); m != nil {
			attrs[id] = strings.TrimSpace(m[1])
		}
	}
	if attrs[id] == "" {
		return crawler.Record{}, fmt.Errorf("%w: key %s", crawler.ErrNoIdentifier, key)
	}
	return crawler.NewRecord(key, attrs, e.clock.Now()), nil
}

func (r Rule) apply(cells []string) (string, bool) {
	if !strings.Contains(cells[0], r.Label) {
		return "", false
	}
	if r.When != "" {
		if r.WhenCell >= len(cells) || !strings.Contains(cells[r.WhenCell], r.When) {
			return "", false
		}
	}
	idx := r.Cell
	if idx == 0 {
		idx = 1
	}
	if idx >= len(cells) {
		return "", false
	}
	value := cells[idx]
	if r.Number {
		value = numberPattern.FindString(value)
	}
	return value, value != ""
}

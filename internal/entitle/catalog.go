// Package entitle resolves feature entitlements from the plan catalogue
// and feature map. The catalogue is read-only configuration loaded at
// startup; resolution itself is a pure function with no I/O.
package entitle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel entries in a feature's allowed-plan list.
const (
	// PlanAny unlocks the feature for everyone, including anonymous users.
	PlanAny = "*"

	// PlanAuthenticated unlocks the feature for any logged-in user.
	PlanAuthenticated = "authenticated"
)

// Plan describes one billing plan.
type Plan struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name"`
	PriceCents int              `yaml:"price_cents"`
	PriceID    string           `yaml:"price_id"` // payment provider price reference
	Limits     map[string]int64 `yaml:"limits"`   // meter id -> included quota per period
}

// Free reports whether the plan costs nothing: zero price or no linked
// payment price.
func (p Plan) Free() bool {
	return p.PriceCents == 0 || p.PriceID == ""
}

// Catalog is the plan catalogue plus the feature map: feature id -> the
// ordered list of plan ids (or sentinels) that unlock it.
type Catalog struct {
	Plans    []Plan              `yaml:"plans"`
	Features map[string][]string `yaml:"features"`

	byID map[string]Plan
}

// LoadCatalog reads the catalogue from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan catalogue: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalogue.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing plan catalogue: %w", err)
	}
	c.index()
	return &c, nil
}

// NewCatalog builds a catalogue directly from values. Tests and embedded
// deployments use this instead of a file.
func NewCatalog(plans []Plan, features map[string][]string) *Catalog {
	c := &Catalog{Plans: plans, Features: features}
	c.index()
	return c
}

func (c *Catalog) index() {
	c.byID = make(map[string]Plan, len(c.Plans))
	for _, p := range c.Plans {
		c.byID[p.ID] = p
	}
	if c.Features == nil {
		c.Features = map[string][]string{}
	}
}

// Plan looks up a plan by id.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// IsFree reports whether the plan id refers to a free plan. Unknown and
// empty plan ids count as free: a user without a subscription is on the
// free tier.
func (c *Catalog) IsFree(planID string) bool {
	if planID == "" {
		return true
	}
	p, ok := c.byID[planID]
	if !ok {
		return true
	}
	return p.Free()
}

// MeterLimit resolves the included quota for a meter. The caller's plan
// is consulted first; when it configures no limit for the meter, the
// first plan in catalogue order that does is used instead, acting as a
// global default regardless of which plan declared it. The second
// return is false when no plan configures the meter at all (unlimited).
func (c *Catalog) MeterLimit(planID, meterID string) (int64, bool) {
	if p, ok := c.byID[planID]; ok {
		if limit, ok := p.Limits[meterID]; ok {
			return limit, true
		}
	}
	for _, p := range c.Plans {
		if limit, ok := p.Limits[meterID]; ok {
			return limit, true
		}
	}
	return 0, false
}

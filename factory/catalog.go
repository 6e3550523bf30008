/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON catalog (credit packages and pricing rules) into
  credits.Package and credits.PricingRule values and seeds them into the
  store. Operators change what credits cost without code changes.

JSON SCHEMA:
  {
    "packages": [
      {
        "id": "starter",
        "name": "Starter",
        "credits": 10,
        "bonus_credits": 2,
        "price": "5000",
        "currency": "XAF",
        "is_popular": false,
        "display_order": 1
      }
    ],
    "pricing": [
      {"action": "view_property", "credits_required": "1.00", "description": "..."}
    ]
  }

DEFAULTS:
  - currency: XAF
  - is_active: true (packages and rules)
  - created/updated timestamps: the seeding clock

SEEDING:
  Seed is get-or-create: an existing package or pricing rule is never
  overwritten, so an admin's edits survive restarts. Everything is written
  in one atomic unit.

USAGE:
  f := factory.NewCatalogFactory()
  cat, err := f.ParseCatalog(jsonStr)      // or factory.DefaultCatalog()
  res, err := f.Seed(ctx, store.Credits(), cat)

SEE ALSO:
  - credits/types.go: Package
  - credits/pricing.go: PricingRule, default prices
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/credits"
	"github.com/shopspring/decimal"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog.
type CatalogJSON struct {
	Packages []PackageJSON `json:"packages"`
	Pricing  []PricingJSON `json:"pricing"`
}

// PackageJSON represents a purchasable credit bundle.
type PackageJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Credits      int             `json:"credits"`
	BonusCredits int             `json:"bonus_credits,omitempty"`
	Price        decimal.Decimal `json:"price"`              // string or number
	Currency     string          `json:"currency,omitempty"` // default XAF
	IsPopular    bool            `json:"is_popular,omitempty"`
	IsActive     *bool           `json:"is_active,omitempty"` // default true
	DisplayOrder int             `json:"display_order,omitempty"`
}

// PricingJSON represents the price of one action.
type PricingJSON struct {
	Action          string          `json:"action"`
	CreditsRequired decimal.Decimal `json:"credits_required"`
	Description     string          `json:"description,omitempty"`
	IsActive        *bool           `json:"is_active,omitempty"` // default true
}

// Catalog is a validated set of packages and pricing rules.
type Catalog struct {
	Packages []credits.Package
	Pricing  []credits.PricingRule
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to Go structs.
type CatalogFactory struct {
	clock core.Clock
}

// NewCatalogFactory creates a new catalog factory.
func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{clock: core.RealClock()}
}

// WithClock sets the clock used for package timestamps.
func (f *CatalogFactory) WithClock(c core.Clock) *CatalogFactory {
	f.clock = c
	return f
}

// ParseCatalog parses a JSON string into a Catalog.
func (f *CatalogFactory) ParseCatalog(jsonStr string) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// LoadCatalog reads and parses a catalog file.
func (f *CatalogFactory) LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return f.ParseCatalog(string(data))
}

// FromJSON converts a CatalogJSON to a Catalog, applying defaults and validating.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	now := f.clock.Now()
	cat := &Catalog{}

	seen := make(map[string]bool)
	for _, pj := range cj.Packages {
		if seen[pj.ID] {
			return nil, core.Invalid("duplicate package id %q", pj.ID)
		}
		seen[pj.ID] = true

		pkg := credits.Package{
			ID:           pj.ID,
			Name:         pj.Name,
			Credits:      pj.Credits,
			BonusCredits: pj.BonusCredits,
			Price:        pj.Price,
			Currency:     pj.Currency,
			IsPopular:    pj.IsPopular,
			IsActive:     pj.IsActive == nil || *pj.IsActive,
			DisplayOrder: pj.DisplayOrder,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if pkg.Currency == "" {
			pkg.Currency = "XAF"
		}
		if pkg.Name == "" {
			pkg.Name = pkg.ID
		}
		if err := pkg.Validate(); err != nil {
			return nil, err
		}
		cat.Packages = append(cat.Packages, pkg)
	}

	actions := make(map[credits.Action]bool)
	for _, rj := range cj.Pricing {
		rule := credits.PricingRule{
			Action:          credits.Action(rj.Action),
			CreditsRequired: rj.CreditsRequired,
			Description:     rj.Description,
			IsActive:        rj.IsActive == nil || *rj.IsActive,
		}
		if actions[rule.Action] {
			return nil, core.Invalid("duplicate pricing rule for %q", rule.Action)
		}
		actions[rule.Action] = true
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		cat.Pricing = append(cat.Pricing, rule)
	}

	return cat, nil
}

// =============================================================================
// SEEDING
// =============================================================================

// SeedResult counts what Seed created.
type SeedResult struct {
	PackagesCreated int
	PricingCreated  int
}

// Seed writes the catalog's packages and rules that do not exist yet.
func (f *CatalogFactory) Seed(ctx context.Context, store credits.TxStore, cat *Catalog) (SeedResult, error) {
	var res SeedResult
	err := store.WithTx(ctx, func(repo credits.Repository) error {
		existing, err := repo.ListPackages(ctx, false)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(existing))
		for _, p := range existing {
			have[p.ID] = true
		}

		for _, pkg := range cat.Packages {
			if have[pkg.ID] {
				continue
			}
			if err := repo.SavePackage(ctx, pkg); err != nil {
				return err
			}
			res.PackagesCreated++
		}

		for _, rule := range cat.Pricing {
			current, err := repo.GetPricing(ctx, rule.Action)
			if err != nil {
				return err
			}
			if current != nil {
				continue
			}
			if err := repo.SavePricing(ctx, rule); err != nil {
				return err
			}
			res.PricingCreated++
		}
		return nil
	})
	return res, err
}

// =============================================================================
// DEFAULT CATALOG
// =============================================================================

// DefaultCatalogJSON is the catalog seeded on a fresh database.
const DefaultCatalogJSON = `{
  "packages": [
    {"id": "starter",  "name": "Starter",  "credits": 10,  "bonus_credits": 0,  "price": "5000",  "currency": "XAF", "display_order": 1},
    {"id": "standard", "name": "Standard", "credits": 25,  "bonus_credits": 5,  "price": "10000", "currency": "XAF", "is_popular": true, "display_order": 2},
    {"id": "premium",  "name": "Premium",  "credits": 60,  "bonus_credits": 15, "price": "20000", "currency": "XAF", "display_order": 3}
  ],
  "pricing": [
    {"action": "view_property",    "credits_required": "1.00", "description": "1 credit to view full property details including contact information"},
    {"action": "list_property",    "credits_required": "5.00", "description": "5 credits to list a property (unlimited duration)"},
    {"action": "featured_listing", "credits_required": "2.00", "description": "2 credits per day for featured listing (higher visibility)"},
    {"action": "contact_reveal",   "credits_required": "0.50", "description": "0.5 credits to reveal contact information only"}
  ]
}`

// DefaultCatalog returns the parsed DefaultCatalogJSON.
func DefaultCatalog() *Catalog {
	cat, err := NewCatalogFactory().ParseCatalog(DefaultCatalogJSON)
	if err != nil {
		panic(fmt.Sprintf("default catalog is invalid: %v", err))
	}
	return cat
}

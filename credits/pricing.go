package credits

import (
	"context"

	"github.com/property237/credit-escrow/core"
	"github.com/shopspring/decimal"
)

// Action is a paid marketplace action.
type Action string

const (
	ActionViewProperty    Action = "view_property"
	ActionListProperty    Action = "list_property"
	ActionFeaturedListing Action = "featured_listing" // per day
	ActionContactReveal   Action = "contact_reveal"
)

func (a Action) Valid() bool {
	_, ok := defaultPrices[a]
	return ok
}

// PricingRule is the configured price of one action. At most one rule per action.
type PricingRule struct {
	Action          Action
	CreditsRequired decimal.Decimal
	Description     string
	IsActive        bool
}

// Validate checks the admin-entered fields.
func (r PricingRule) Validate() error {
	if !r.Action.Valid() {
		return core.Invalid("unknown pricing action %q", r.Action)
	}
	if r.CreditsRequired.LessThan(decimal.RequireFromString("0.01")) {
		return core.Invalid("action %s: credits required must be at least 0.01", r.Action)
	}
	return nil
}

// Prices used when no active rule is configured for an action.
var defaultPrices = map[Action]decimal.Decimal{
	ActionViewProperty:    decimal.RequireFromString("1.00"),
	ActionListProperty:    decimal.RequireFromString("5.00"),
	ActionFeaturedListing: decimal.RequireFromString("2.00"),
	ActionContactReveal:   decimal.RequireFromString("0.50"),
}

// fallbackPrice applies to actions missing from defaultPrices.
var fallbackPrice = decimal.RequireFromString("1.00")

// DefaultPrice returns the hard-coded price for an action.
func DefaultPrice(action Action) decimal.Decimal {
	if p, ok := defaultPrices[action]; ok {
		return p
	}
	return fallbackPrice
}

// DefaultPricingRules returns the rules seeded into a fresh catalog.
func DefaultPricingRules() []PricingRule {
	return []PricingRule{
		{ActionViewProperty, DefaultPrice(ActionViewProperty), "1 credit to view full property details including contact information", true},
		{ActionListProperty, DefaultPrice(ActionListProperty), "5 credits to list a property (unlimited duration)", true},
		{ActionFeaturedListing, DefaultPrice(ActionFeaturedListing), "2 credits per day for featured listing (higher visibility)", true},
		{ActionContactReveal, DefaultPrice(ActionContactReveal), "0.5 credits to reveal contact information only", true},
	}
}

// PriceLookup is the read side Price needs.
type PriceLookup interface {
	GetPricing(ctx context.Context, action Action) (*PricingRule, error)
}

// Price resolves the credits required for action: the active configured
// rule if one exists, the hard-coded default otherwise.
func Price(ctx context.Context, lookup PriceLookup, action Action) (decimal.Decimal, error) {
	rule, err := lookup.GetPricing(ctx, action)
	if err != nil {
		return decimal.Zero, err
	}
	if rule != nil && rule.IsActive {
		return rule.CreditsRequired, nil
	}
	return DefaultPrice(action), nil
}

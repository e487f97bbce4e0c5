package domain

import (
	"slices"
	"strings"
)

// Condition is the product condition filter.
type Condition string

const (
	ConditionNew         Condition = "new"
	ConditionLikeNew     Condition = "like_new"
	ConditionGood        Condition = "good"
	ConditionFair        Condition = "fair"
	ConditionRefurbished Condition = "refurbished"
)

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionLikeNew, ConditionGood, ConditionFair, ConditionRefurbished:
		return true
	}
	return false
}

// Marketplace identifies a catalog provider.
type Marketplace string

const (
	MarketplaceAmazon  Marketplace = "amazon"
	MarketplaceWalmart Marketplace = "walmart"
	MarketplaceEbay    Marketplace = "ebay"
	MarketplaceKroger  Marketplace = "kroger"
	MarketplaceTarget  Marketplace = "target"
)

// Valid reports whether m is a supported marketplace.
func (m Marketplace) Valid() bool {
	switch m {
	case MarketplaceAmazon, MarketplaceWalmart, MarketplaceEbay, MarketplaceKroger, MarketplaceTarget:
		return true
	}
	return false
}

// DefaultMarketplaces is used when a requirement names none.
func DefaultMarketplaces() []Marketplace {
	return []Marketplace{MarketplaceAmazon, MarketplaceWalmart}
}

const defaultCurrency = "USD"

// PriceFilter bounds the acceptable price.
type PriceFilter struct {
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// HasBound reports whether at least one bound is set.
func (p *PriceFilter) HasBound() bool {
	return p != nil && (p.Min != nil || p.Max != nil)
}

// Requirement is the structured product-search specification extracted from
// the conversation.
type Requirement struct {
	ProductType      string            `json:"product_type"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Price            *PriceFilter      `json:"price,omitempty"`
	BrandPreferences []string          `json:"brand_preferences,omitempty"`
	RatingMin        *float64          `json:"rating_min,omitempty"`
	Condition        Condition         `json:"condition,omitempty"`
	Marketplaces     []Marketplace     `json:"marketplaces,omitempty"`
}

// Clone returns a deep copy of r. A nil receiver returns nil.
func (r *Requirement) Clone() *Requirement {
	if r == nil {
		return nil
	}
	out := *r
	if r.Attributes != nil {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	if r.Price != nil {
		p := *r.Price
		p.Min = clonePtr(r.Price.Min)
		p.Max = clonePtr(r.Price.Max)
		out.Price = &p
	}
	out.BrandPreferences = slices.Clone(r.BrandPreferences)
	out.RatingMin = clonePtr(r.RatingMin)
	out.Marketplaces = slices.Clone(r.Marketplaces)
	return &out
}

// Merge refines r with update and returns the result; neither input is
// modified. The merge is monotonic: a non-empty product type is never
// cleared, attribute keys are only added or overwritten, brand preferences
// are unioned and scalar filters are only replaced by non-empty values.
func (r *Requirement) Merge(update *Requirement) *Requirement {
	if r == nil && update == nil {
		return nil
	}
	out := r.Clone()
	if out == nil {
		out = &Requirement{}
	}
	if update == nil {
		return out.Normalize()
	}

	if pt := strings.TrimSpace(update.ProductType); pt != "" {
		out.ProductType = pt
	}
	for k, v := range update.Attributes {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		if out.Attributes == nil {
			out.Attributes = make(map[string]string)
		}
		out.Attributes[k] = v
	}
	if update.Price != nil {
		if out.Price == nil {
			out.Price = &PriceFilter{}
		}
		if update.Price.Min != nil {
			out.Price.Min = clonePtr(update.Price.Min)
		}
		if update.Price.Max != nil {
			out.Price.Max = clonePtr(update.Price.Max)
		}
		if update.Price.Currency != "" {
			out.Price.Currency = update.Price.Currency
		}
	}
	for _, b := range update.BrandPreferences {
		b = strings.TrimSpace(b)
		if b != "" && !slices.ContainsFunc(out.BrandPreferences, func(have string) bool {
			return strings.EqualFold(have, b)
		}) {
			out.BrandPreferences = append(out.BrandPreferences, b)
		}
	}
	if update.RatingMin != nil {
		out.RatingMin = clonePtr(update.RatingMin)
	}
	if update.Condition != "" {
		out.Condition = update.Condition
	}
	if len(update.Marketplaces) > 0 {
		out.Marketplaces = slices.Clone(update.Marketplaces)
	}
	return out.Normalize()
}

// Normalize fills defaults and drops values that cannot be used as filters.
func (r *Requirement) Normalize() *Requirement {
	if r == nil {
		return nil
	}
	r.ProductType = strings.ToLower(strings.TrimSpace(r.ProductType))
	if r.Price != nil {
		if r.Price.Currency == "" {
			r.Price.Currency = defaultCurrency
		}
		if r.Price.Min != nil && *r.Price.Min < 0 {
			r.Price.Min = nil
		}
		if r.Price.Max != nil && *r.Price.Max < 0 {
			r.Price.Max = nil
		}
		if r.Price.Min != nil && r.Price.Max != nil && *r.Price.Max < *r.Price.Min {
			r.Price.Min, r.Price.Max = r.Price.Max, r.Price.Min
		}
	}
	if r.RatingMin != nil && (*r.RatingMin < 0 || *r.RatingMin > 5) {
		r.RatingMin = nil
	}
	if r.Condition != "" && !r.Condition.Valid() {
		r.Condition = ""
	}
	if len(r.Marketplaces) == 0 {
		r.Marketplaces = DefaultMarketplaces()
	}
	return r
}

// HasConstraint reports whether r carries at least one narrowing filter.
func (r *Requirement) HasConstraint() bool {
	if r == nil {
		return false
	}
	return r.Price.HasBound() ||
		len(r.BrandPreferences) > 0 ||
		r.RatingMin != nil ||
		r.Condition != "" ||
		len(r.Attributes) > 0
}

// Guardrail messages reported as clarification reasons.
const (
	ReasonMissingBoth       = "Missing product type and at least one constraint (budget, brand, or key feature)"
	ReasonMissingType       = "Missing product type"
	ReasonMissingConstraint = "Missing at least one constraint (budget, brand, or key feature)"
)

// Searchable applies the deterministic clarification guardrail. It returns
// an empty reason when r has a product type and at least one constraint.
func (r *Requirement) Searchable() (ok bool, reason string) {
	hasType := r != nil && r.ProductType != ""
	hasConstraint := r.HasConstraint()
	switch {
	case !hasType && !hasConstraint:
		return false, ReasonMissingBoth
	case !hasType:
		return false, ReasonMissingType
	case !hasConstraint:
		return false, ReasonMissingConstraint
	}
	return true, ""
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sameersah/talknshop/internal/domain"
)

// Mock fabricates a small result set per marketplace. It backs local
// development when USE_MOCK_SERVICES is set.
type Mock struct {
	// PerMarketplace is the number of products returned for each
	// marketplace. Zero means 3.
	PerMarketplace int
}

// Search returns deterministic products derived from req.
func (m Mock) Search(_ context.Context, req *domain.Requirement) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: search requires a requirement", domain.ErrValidation)
	}
	req = req.Clone().Normalize()
	n := m.PerMarketplace
	if n <= 0 {
		n = 3
	}

	base := 100.0
	if req.Price != nil && req.Price.Max != nil {
		base = *req.Price.Max * 0.6
	}
	name := req.ProductType
	if name == "" {
		name = "item"
	}

	out := &SearchResult{MarketplacesSearched: req.Marketplaces}
	for _, mp := range req.Marketplaces {
		for i := range n {
			price := base + float64(i)*base*0.2
			rating := 4.8 - float64(i)*0.3
			out.Products = append(out.Products, domain.Product{
				ID:           fmt.Sprintf("%s_mock_%d", mp, i+1),
				Marketplace:  mp,
				Title:        fmt.Sprintf("%s %s #%d", strings.ToUpper(name[:1])+name[1:], "Deluxe", i+1),
				Price:        domain.Float(price),
				Currency:     "USD",
				Rating:       domain.Float(rating),
				ReviewCount:  100 * (n - i),
				Availability: "in_stock",
				URL:          fmt.Sprintf("https://%s.example.com/p/%d", mp, i+1),
			})
		}
	}
	out.TotalCount = len(out.Products)
	return out, nil
}

// Health always succeeds.
func (Mock) Health(context.Context) error { return nil }

var _ Client = Mock{}

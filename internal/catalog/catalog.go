// Package catalog searches marketplaces through the catalog service.
package catalog

import (
	"context"

	"github.com/Sameersah/talknshop/internal/domain"
)

// DefaultLimit is the number of products requested per search.
const DefaultLimit = 20

// SearchResult is the aggregated answer of one search.
type SearchResult struct {
	Products             []domain.Product     `json:"products"`
	TotalCount           int                  `json:"total_count"`
	MarketplacesSearched []domain.Marketplace `json:"marketplaces_searched"`
}

// Client is the catalog collaborator used by the search step.
type Client interface {
	Search(ctx context.Context, req *domain.Requirement) (*SearchResult, error)
	Health(ctx context.Context) error
}

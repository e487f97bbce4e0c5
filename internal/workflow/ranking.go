package workflow

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Sameersah/talknshop/internal/domain"
)

// Ranking weights and the number of results kept.
const (
	priceWeight  = 0.4
	ratingWeight = 0.6
	maxRanked    = 10
)

// NoMatchMessage is the final response when the search found nothing.
const NoMatchMessage = "I couldn't find any products matching your requirements. Would you like to adjust your criteria?"

// Score is 0.4*(1/(1+price)) + 0.6*(rating/5). A missing price contributes
// nothing, as if it were infinite, and a missing rating counts as 0.
func Score(p domain.Product) float64 {
	var priceTerm, ratingTerm float64
	if p.Price != nil && *p.Price >= 0 {
		priceTerm = 1 / (1 + *p.Price)
	}
	if p.Rating != nil {
		ratingTerm = *p.Rating / 5
	}
	return priceWeight*priceTerm + ratingWeight*ratingTerm
}

// Rank scores products, orders them by descending score and keeps the top
// results. Ties keep their input order. The input is not modified.
func Rank(products []domain.Product) []domain.Product {
	out := make([]domain.Product, len(products))
	for i, p := range products {
		if p.Price != nil {
			p.Price = domain.Float(*p.Price)
		}
		if p.Rating != nil {
			p.Rating = domain.Float(*p.Rating)
		}
		p.Score = Score(p)
		out[i] = p
	}
	slices.SortStableFunc(out, func(a, b domain.Product) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(out) > maxRanked {
		out = out[:maxRanked]
	}
	return out
}

// Summary composes the final response for ranked results.
func Summary(ranked []domain.Product, req *domain.Requirement) string {
	if len(ranked) == 0 {
		return NoMatchMessage
	}
	query := "your query"
	if req != nil && req.ProductType != "" {
		query = req.ProductType
	}
	return fmt.Sprintf("I found %d products matching your search for '%s'. Here are the top results:", len(ranked), query)
}

package workflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/Sameersah/talknshop/internal/domain"
)

func TestExtractRequirement(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *domain.Requirement
	}{
		{
			name: "empty",
			text: "   ",
			want: &domain.Requirement{},
		},
		{
			name: "type with budget",
			text: "laptop under $1000",
			want: &domain.Requirement{
				ProductType: "laptop",
				Price:       &domain.PriceFilter{Max: domain.Float(1000), Currency: "USD"},
			},
		},
		{
			name: "vague request",
			text: "I want something",
			want: &domain.Requirement{},
		},
		{
			name: "colour answer",
			text: "a blue backpack",
			want: &domain.Requirement{
				ProductType: "backpack",
				Attributes:  map[string]string{"color": "blue"},
			},
		},
		{
			name: "bigram product and range",
			text: "Running shoes between $50 and $120",
			want: &domain.Requirement{
				ProductType: "running shoes",
				Price:       &domain.PriceFilter{Min: domain.Float(50), Max: domain.Float(120), Currency: "USD"},
			},
		},
		{
			name: "rating is not a price",
			text: "headphones rated at least 4 stars",
			want: &domain.Requirement{
				ProductType: "headphones",
				RatingMin:   domain.Float(4),
			},
		},
		{
			name: "memory and thousands",
			text: "gaming laptop with 16gb ram under $1.5k",
			want: &domain.Requirement{
				ProductType: "laptop",
				Attributes:  map[string]string{"ram": "16gb", "use": "gaming"},
				Price:       &domain.PriceFilter{Max: domain.Float(1500), Currency: "USD"},
			},
		},
		{
			name: "brand and condition",
			text: "used sony headphones",
			want: &domain.Requirement{
				ProductType:      "headphones",
				BrandPreferences: []string{"Sony"},
				Condition:        domain.ConditionGood,
			},
		},
		{
			name: "material",
			text: "looking for a leather wallet",
			want: &domain.Requirement{
				ProductType: "wallet",
				Attributes:  map[string]string{"material": "leather"},
			},
		},
		{
			name: "screen size",
			text: "a 27 inch monitor",
			want: &domain.Requirement{
				ProductType: "monitor",
				Attributes:  map[string]string{"screen_size": "27 inch"},
			},
		},
		{
			name: "head noun outside vocabulary",
			text: "I need a kayak",
			want: &domain.Requirement{ProductType: "kayak"},
		},
		{
			name: "bare dollar amount is a ceiling",
			text: "tent $200",
			want: &domain.Requirement{
				ProductType: "tent",
				Price:       &domain.PriceFilter{Max: domain.Float(200), Currency: "USD"},
			},
		},
		{
			name: "minimum only",
			text: "a camera over $300",
			want: &domain.Requirement{
				ProductType: "camera",
				Price:       &domain.PriceFilter{Min: domain.Float(300), Currency: "USD"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractRequirement(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractRequirement(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestExtractRequirementFeedsGuardrail(t *testing.T) {
	ok, reason := ExtractRequirement("I want something").Normalize().Searchable()
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonMissingBoth, reason)

	ok, reason = ExtractRequirement("headphones").Normalize().Searchable()
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonMissingConstraint, reason)

	ok, _ = ExtractRequirement("wireless headphones").Normalize().Searchable()
	assert.True(t, ok)
}

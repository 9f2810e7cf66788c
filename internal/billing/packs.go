package billing

import "fmt"

// Pack is a purchasable bundle of credits.
type Pack struct {
	Quantity   int64  `json:"quantity"` // number of base packs
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Label      string `json:"label"`
}

// OfferedQuantities are the pack sizes listed by GET /api/billing/packs.
// Checkout accepts any quantity from 1 to the configured maximum.
var OfferedQuantities = []int64{1, 2, 5}

// Pricing holds the per-pack economics.
type Pricing struct {
	Currency       string
	PackPriceCents int64
	CreditsPerPack int64
	MaxPacks       int64
}

// PackFor prices quantity base packs.
func (p Pricing) PackFor(quantity int64) (Pack, error) {
	if quantity < 1 || quantity > p.MaxPacks {
		return Pack{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidQuantity, p.MaxPacks)
	}
	credits := quantity * p.CreditsPerPack
	return Pack{
		Quantity:   quantity,
		Credits:    credits,
		PriceCents: quantity * p.PackPriceCents,
		Currency:   p.Currency,
		Label:      fmt.Sprintf("%d credits", credits),
	}, nil
}

// Offered returns the packs listed in the UI.
func (p Pricing) Offered() []Pack {
	packs := make([]Pack, 0, len(OfferedQuantities))
	for _, q := range OfferedQuantities {
		if pack, err := p.PackFor(q); err == nil {
			packs = append(packs, pack)
		}
	}
	return packs
}

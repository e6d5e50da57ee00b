package syncer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/provider"
)

// Aggregate folds one day of sales into a consumption record.  Items is
// the sum of line item quantities; sales without discount or tax totals
// contribute nothing to those sums.
func Aggregate(tenantID, locationID, providerName string, day time.Time, sales []provider.Sale) model.ConsumptionRecord {
	rec := model.ConsumptionRecord{
		TenantID:   tenantID,
		LocationID: locationID,
		Provider:   providerName,
		Date:       day.UTC().Format(model.DateLayout),
		Total:      decimal.Zero,
		Items:      decimal.Zero,
		Discounts:  decimal.Zero,
		Taxes:      decimal.Zero,
		Orders:     len(sales),
	}
	lines := 0
	var first, last time.Time
	for _, s := range sales {
		rec.Total = rec.Total.Add(s.Total)
		for _, li := range s.Items {
			rec.Items = rec.Items.Add(li.Quantity)
			lines++
		}
		if s.Meta.DiscountsTotal != nil {
			rec.Discounts = rec.Discounts.Add(*s.Meta.DiscountsTotal)
		}
		if s.Meta.TaxesTotal != nil {
			rec.Taxes = rec.Taxes.Add(*s.Meta.TaxesTotal)
		}
		if !s.OccurredAt.IsZero() {
			if first.IsZero() || s.OccurredAt.Before(first) {
				first = s.OccurredAt
			}
			if s.OccurredAt.After(last) {
				last = s.OccurredAt
			}
		}
	}
	rec.Meta = map[string]any{"line_items": lines}
	if !first.IsZero() {
		rec.Meta["first_sale_at"] = first.UTC().Format(time.RFC3339)
		rec.Meta["last_sale_at"] = last.UTC().Format(time.RFC3339)
	}
	return rec
}

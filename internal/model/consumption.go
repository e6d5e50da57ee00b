package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the layout of ConsumptionRecord.Date.
const DateLayout = "2006-01-02"

// ConsumptionRecord aggregates one provider's sales over one UTC day for one
// tenant location.  (TenantID, LocationID, Provider, Date) is unique, so a
// repeated sync of the same day overwrites instead of double counting.
type ConsumptionRecord struct {
	TenantID   string          `json:"tenant_id"`   // consumption_records.tenant_id
	LocationID string          `json:"location_id"` // consumption_records.location_id
	Provider   string          `json:"provider"`    // consumption_records.provider
	Date       string          `json:"date"`        // consumption_records.sale_date (UTC YYYY-MM-DD)
	Total      decimal.Decimal `json:"total"`       // consumption_records.total
	Orders     int             `json:"orders"`      // consumption_records.orders
	Items      decimal.Decimal `json:"items"`       // consumption_records.items
	Discounts  decimal.Decimal `json:"discounts"`   // consumption_records.discounts
	Taxes      decimal.Decimal `json:"taxes"`       // consumption_records.taxes
	Meta       map[string]any  `json:"meta"`        // consumption_records.meta (JSON)
	UpdatedAt  time.Time       `json:"updated_at"`  // consumption_records.updated_at
}

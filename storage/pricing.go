package storage

import (
	"math"
	"strconv"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

// Pricing holds list prices used to estimate costs. Storage is priced per
// GB-month, requests per thousand.
type Pricing struct {
	StorageGBMonth float64
	PutPer1000     float64
	GetPer1000     float64
	Currency       string
}

var defaultPricing = map[string]Pricing{
	"aws":          {StorageGBMonth: 0.023, PutPer1000: 0.005, GetPer1000: 0.0004},
	"gcp":          {StorageGBMonth: 0.020, PutPer1000: 0.005, GetPer1000: 0.0004},
	"azure":        {StorageGBMonth: 0.018, PutPer1000: 0.0065, GetPer1000: 0.0005},
	"alibaba":      {StorageGBMonth: 0.017, PutPer1000: 0.0016, GetPer1000: 0.0016},
	"ibm":          {StorageGBMonth: 0.022, PutPer1000: 0.005, GetPer1000: 0.0004},
	"digitalocean": {StorageGBMonth: 0.020},
	"oracle":       {StorageGBMonth: 0.0255, PutPer1000: 0.0034, GetPer1000: 0.0034},
	"cloudflare":   {StorageGBMonth: 0.015, PutPer1000: 0.0045, GetPer1000: 0.00036},
}

// pricingFor returns the driver's list prices overridden by backend options
// price_storage_gb_month, price_put_per_1000, price_get_per_1000 and currency.
func pricingFor(cfg interfaces.BackendConfig) Pricing {
	p := defaultPricing[cfg.Driver]
	p.Currency = "USD"

	override := func(key string, dst *float64) {
		if v, err := strconv.ParseFloat(cfg.Option(key), 64); err == nil && v >= 0 {
			*dst = v
		}
	}
	override("price_storage_gb_month", &p.StorageGBMonth)
	override("price_put_per_1000", &p.PutPer1000)
	override("price_get_per_1000", &p.GetPer1000)
	if c := cfg.Option("currency"); c != "" {
		p.Currency = c
	}
	return p
}

// Estimate prices the stored bytes for one month plus the counted requests.
func (p Pricing) Estimate(bytes int64, requests map[string]int64) interfaces.CostUsage {
	gb := float64(bytes) / (1 << 30)
	storage := round(gb * p.StorageGBMonth)
	writes := requests["put_requests"] + requests["list_requests"]
	reads := requests["get_requests"] + requests["head_requests"]
	req := round(float64(writes)/1000*p.PutPer1000 + float64(reads)/1000*p.GetPer1000)

	return interfaces.CostUsage{
		Breakdown: map[string]float64{
			"storage_cost": storage,
			"request_cost": req,
		},
		Total:    round(storage + req),
		Currency: p.Currency,
	}
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

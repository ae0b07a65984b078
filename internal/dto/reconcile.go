package dto

import "time"

// ReconcileFixes aggregates what one sweep corrected.
type ReconcileFixes struct {
	PaymentStatusSync int      `json:"paymentStatusSync"`
	StalePending      int      `json:"stalePending"`
	Errors            []string `json:"errors"`
}

// SweepResponse is returned to the external scheduler.
type SweepResponse struct {
	Success   bool           `json:"success"`
	Fixes     ReconcileFixes `json:"fixes"`
	Timestamp time.Time      `json:"timestamp"`
}

// WebhookAck is the only body the billing provider ever sees.
type WebhookAck struct {
	Received bool `json:"received"`
}

package domain

import "time"

// Price позиция каталога цен. Не удаляется физически, только помечается Deleted.
type Price struct {
	RemotePriceID string    `json:"remote_price_id"`
	ProductID     string    `json:"product_id,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	UnitAmount    int64     `json:"unit_amount"`
	Interval      string    `json:"interval,omitempty"`
	IntervalCount int64     `json:"interval_count,omitempty"`
	Active        bool      `json:"active"`
	Deleted       bool      `json:"deleted"`
	Version       time.Time `json:"version"`
}

// Invoice счет Stripe
type Invoice struct {
	RemoteInvoiceID      string     `json:"remote_invoice_id"`
	RemoteCustomerID     string     `json:"remote_customer_id,omitempty"`
	RemoteSubscriptionID string     `json:"remote_subscription_id,omitempty"`
	Status               string     `json:"status"`
	AmountDue            int64      `json:"amount_due"`
	AmountPaid           int64      `json:"amount_paid"`
	Currency             string     `json:"currency"`
	PaidAt               *time.Time `json:"paid_at,omitempty"`
	Version              time.Time  `json:"version"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

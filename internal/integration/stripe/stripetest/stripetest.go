// Package stripetest собирает подписанные уведомления Stripe для тестов.
package stripetest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Secret секрет подписи, общий для тестов
const Secret = "whsec_test_secret"

// Sign строит заголовок Stripe-Signature по схеме t=<ts>,v1=<hex hmac>
func Sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// Subscription поля подписки для сборки объекта Stripe
type Subscription struct {
	ID          string
	Customer    string
	Status      string
	PriceID     string
	UnitAmount  int64
	Quantity    int64
	PeriodStart int64
	PeriodEnd   int64
	UserID      string
	CanceledAt  int64
}

// DefaultSubscription подписка sub_1 клиента cus_1 пользователя user-1
func DefaultSubscription(status string) Subscription {
	return Subscription{
		ID:          "sub_1",
		Customer:    "cus_1",
		Status:      status,
		PriceID:     "price_basic",
		UnitAmount:  1500,
		Quantity:    1,
		PeriodStart: 1714564800,
		PeriodEnd:   1717243200,
		UserID:      "user-1",
	}
}

// Object объект подписки в формате API
func (s Subscription) Object() map[string]any {
	metadata := map[string]string{}
	if s.UserID != "" {
		metadata["user_id"] = s.UserID
	}
	obj := map[string]any{
		"id":                   s.ID,
		"object":               "subscription",
		"customer":             s.Customer,
		"status":               s.Status,
		"current_period_start": s.PeriodStart,
		"current_period_end":   s.PeriodEnd,
		"cancel_at_period_end": false,
		"metadata":             metadata,
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":       "si_" + s.ID,
				"object":   "subscription_item",
				"quantity": s.Quantity,
				"price": map[string]any{
					"id":          s.PriceID,
					"object":      "price",
					"product":     "prod_1",
					"unit_amount": s.UnitAmount,
					"currency":    "usd",
					"active":      true,
					"recurring":   map[string]any{"interval": "month", "interval_count": 1},
				},
			}},
		},
	}
	if s.CanceledAt != 0 {
		obj["canceled_at"] = s.CanceledAt
		obj["ended_at"] = s.CanceledAt
	}
	return obj
}

// Event собирает конверт уведомления
func Event(id, eventType string, created int64, object any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":       id,
		"object":   "event",
		"type":     eventType,
		"created":  created,
		"livemode": false,
		"data":     map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// SubscriptionEvent customer.subscription.<action>
func SubscriptionEvent(id, action string, created int64, s Subscription) []byte {
	return Event(id, "customer.subscription."+action, created, s.Object())
}

// CheckoutCompleted checkout.session.completed с неразвернутой подпиской
func CheckoutCompleted(id string, created int64, customer, email, userID, subscriptionID string) []byte {
	return Event(id, "checkout.session.completed", created, map[string]any{
		"id":                  "cs_" + id,
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            customer,
		"customer_email":      email,
		"client_reference_id": userID,
		"subscription":        subscriptionID,
		"metadata":            map[string]string{},
	})
}

// InvoicePaid invoice.payment_succeeded
func InvoicePaid(id string, created int64, invoiceID, customer, subscriptionID string) []byte {
	return Event(id, "invoice.payment_succeeded", created, map[string]any{
		"id":           invoiceID,
		"object":       "invoice",
		"customer":     customer,
		"subscription": subscriptionID,
		"status":       "paid",
		"amount_due":   1500,
		"amount_paid":  1500,
		"currency":     "usd",
		"status_transitions": map[string]any{
			"paid_at": created,
		},
	})
}

// Customer customer.<action>
func Customer(id, action string, created int64, customerID, email, userID string) []byte {
	return Event(id, "customer."+action, created, map[string]any{
		"id":       customerID,
		"object":   "customer",
		"email":    email,
		"metadata": map[string]string{"user_id": userID},
	})
}

// Price price.<action>
func Price(id, action string, created int64, priceID string, unitAmount int64) []byte {
	return Event(id, "price."+action, created, map[string]any{
		"id":          priceID,
		"object":      "price",
		"product":     "prod_1",
		"unit_amount": unitAmount,
		"currency":    "usd",
		"active":      action != "deleted",
		"recurring":   map[string]any{"interval": "month", "interval_count": 1},
	})
}

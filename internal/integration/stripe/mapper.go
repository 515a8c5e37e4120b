package stripe

import (
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	stripego "github.com/stripe/stripe-go/v78"
)

// Ключ метаданных для связи Stripe Customer с локальным пользователем
const metadataUserIDKey = "user_id"

// ToSubscriptionSnapshot преобразует подписку Stripe в снимок.
// version задает порядок снимков: created конверта или время запроса к API.
func ToSubscriptionSnapshot(sub *stripego.Subscription, version time.Time) (domain.SubscriptionSnapshot, error) {
	if sub == nil || sub.ID == "" {
		return domain.SubscriptionSnapshot{}, malformed("subscription without id")
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return domain.SubscriptionSnapshot{}, malformed(fmt.Sprintf("subscription %s without customer", sub.ID))
	}
	status, ok := domain.ParseSubscriptionStatus(string(sub.Status))
	if !ok {
		return domain.SubscriptionSnapshot{}, malformed(fmt.Sprintf("subscription %s has unknown status %q", sub.ID, sub.Status))
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil || sub.Items.Data[0].Price == nil {
		return domain.SubscriptionSnapshot{}, malformed(fmt.Sprintf("subscription %s has no priced items", sub.ID))
	}

	// Берется первая позиция: движок синхронизирует одну цену на подписку
	item := sub.Items.Data[0]
	quantity := item.Quantity
	if quantity < 1 {
		quantity = 1
	}

	snap := domain.SubscriptionSnapshot{
		RemoteSubscriptionID: sub.ID,
		RemoteCustomerID:     sub.Customer.ID,
		CustomerEmail:        sub.Customer.Email,
		LocalUserID:          userIDFrom(sub.Metadata, sub.Customer.Metadata),
		Status:               status,
		Price:                ToPrice(item.Price, version),
		Quantity:             quantity,
		CurrentPeriodStart:   unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CancelAt:             unixPtr(sub.CancelAt),
		CanceledAt:           unixPtr(sub.CanceledAt),
		EndedAt:              unixPtr(sub.EndedAt),
		TrialStart:           unixPtr(sub.TrialStart),
		TrialEnd:             unixPtr(sub.TrialEnd),
		Version:              version,
	}
	return snap, nil
}

// ToPrice преобразует цену Stripe
func ToPrice(p *stripego.Price, version time.Time) domain.Price {
	price := domain.Price{
		RemotePriceID: p.ID,
		Currency:      string(p.Currency),
		UnitAmount:    p.UnitAmount,
		Active:        p.Active,
		Deleted:       p.Deleted,
		Version:       version,
	}
	if p.Product != nil {
		price.ProductID = p.Product.ID
	}
	if p.Recurring != nil {
		price.Interval = string(p.Recurring.Interval)
		price.IntervalCount = p.Recurring.IntervalCount
	}
	return price
}

// ToInvoice преобразует счет Stripe
func ToInvoice(inv *stripego.Invoice, version time.Time) (domain.Invoice, error) {
	if inv == nil || inv.ID == "" {
		return domain.Invoice{}, malformed("invoice without id")
	}
	out := domain.Invoice{
		RemoteInvoiceID: inv.ID,
		Status:          string(inv.Status),
		AmountDue:       inv.AmountDue,
		AmountPaid:      inv.AmountPaid,
		Currency:        string(inv.Currency),
		Version:         version,
	}
	if inv.Customer != nil {
		out.RemoteCustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.RemoteSubscriptionID = inv.Subscription.ID
	}
	if inv.StatusTransitions != nil {
		out.PaidAt = unixPtr(inv.StatusTransitions.PaidAt)
	}
	return out, nil
}

// ToCustomerSnapshot преобразует клиента Stripe
func ToCustomerSnapshot(c *stripego.Customer, version time.Time) (domain.CustomerSnapshot, error) {
	if c == nil || c.ID == "" {
		return domain.CustomerSnapshot{}, malformed("customer without id")
	}
	return domain.CustomerSnapshot{
		RemoteCustomerID: c.ID,
		Email:            c.Email,
		LocalUserID:      c.Metadata[metadataUserIDKey],
		Deleted:          c.Deleted,
		Version:          version,
	}, nil
}

// ToCheckoutEvent преобразует завершенную сессию оформления.
// Развернутая подписка превращается в снимок, иначе сохраняется только ее ID.
func ToCheckoutEvent(env domain.Envelope, s *stripego.CheckoutSession) (domain.CheckoutCompletedEvent, error) {
	if s == nil || s.ID == "" {
		return domain.CheckoutCompletedEvent{}, malformed("checkout session without id")
	}

	ev := domain.CheckoutCompletedEvent{
		Envelope:  env,
		SessionID: s.ID,
		Mode:      string(s.Mode),
	}

	identity := domain.Identity{LocalUserID: s.ClientReferenceID, Email: s.CustomerEmail}
	identity = identity.Merge(domain.Identity{LocalUserID: s.Metadata[metadataUserIDKey]})
	if s.CustomerDetails != nil {
		identity = identity.Merge(domain.Identity{Email: s.CustomerDetails.Email})
	}
	if s.Customer != nil {
		ev.RemoteCustomerID = s.Customer.ID
		identity = identity.Merge(domain.Identity{
			LocalUserID: s.Customer.Metadata[metadataUserIDKey],
			Email:       s.Customer.Email,
		})
	}
	ev.Identity = identity

	if s.Subscription != nil {
		ev.RemoteSubscriptionID = s.Subscription.ID
		if s.Subscription.Status != "" && s.Subscription.Items != nil {
			if s.Subscription.Customer == nil && s.Customer != nil {
				s.Subscription.Customer = s.Customer
			}
			if snap, err := ToSubscriptionSnapshot(s.Subscription, env.Created); err == nil {
				snap.LocalUserID = identity.Merge(domain.Identity{LocalUserID: snap.LocalUserID}).LocalUserID
				if snap.CustomerEmail == "" {
					snap.CustomerEmail = identity.Email
				}
				ev.Subscription = &snap
			}
		}
	}
	return ev, nil
}

func userIDFrom(sources ...map[string]string) string {
	for _, m := range sources {
		if v := m[metadataUserIDKey]; v != "" {
			return v
		}
	}
	return ""
}

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func unixPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func malformed(msg string) error {
	return domain.Malformed("parse", fmt.Errorf("%w: %s", domain.ErrMalformedEvent, msg))
}

package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	stripego "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader заголовок с подписью Stripe
const SignatureHeader = "Stripe-Signature"

// Типы событий, которые различает классификатор
var (
	subscriptionEventTypes = map[string]struct{}{
		"customer.subscription.created":                {},
		"customer.subscription.updated":                {},
		"customer.subscription.deleted":                {},
		"customer.subscription.paused":                 {},
		"customer.subscription.resumed":                {},
		"customer.subscription.pending_update_applied": {},
		"customer.subscription.pending_update_expired": {},
		"customer.subscription.trial_will_end":         {},
		"subscription.created":                         {},
		"subscription.updated":                         {},
		"subscription.deleted":                         {},
	}
	invoiceEventTypes = map[string]struct{}{
		"invoice.paid":                 {},
		"invoice.payment_succeeded":    {},
		"invoice.payment_failed":       {},
		"invoice.finalized":            {},
		"invoice.voided":               {},
		"invoice.marked_uncollectible": {},
	}
	customerEventTypes = map[string]struct{}{
		"customer.created": {},
		"customer.updated": {},
		"customer.deleted": {},
	}
	priceEventTypes = map[string]struct{}{
		"price.created": {},
		"price.updated": {},
		"price.deleted": {},
	}
)

const eventTypeCheckoutCompleted = "checkout.session.completed"

// WebhookVerifier проверяет подпись уведомлений Stripe
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	log       *logger.Logger
}

// NewWebhookVerifier создает верификатор с секретом подписи
func NewWebhookVerifier(secret string, tolerance time.Duration, log *logger.Logger) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, tolerance: tolerance, log: log}
}

// Verify проверяет подпись и возраст уведомления.
func (v *WebhookVerifier) Verify(payload []byte, signature string) error {
	if signature == "" {
		return domain.Malformed("verify", fmt.Errorf("%w: no %s header", domain.ErrInvalidSignature, SignatureHeader))
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		v.log.Debugw("Webhook signature rejected", "error", err)
		return domain.Malformed("verify", fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err))
	}
	return nil
}

// envelope поля конверта, общие для всех уведомлений
type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Parse превращает тело уведомления в закрытый вариант domain.Event.
// Подпись здесь не проверяется: тело берется либо из запроса после Verify,
// либо из журнала, куда оно попало уже проверенным.
func Parse(payload []byte) (domain.Event, error) {
	var raw envelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, malformed("invalid json: " + err.Error())
	}
	if raw.ID == "" || raw.Type == "" || raw.Created == 0 {
		return nil, malformed("envelope requires id, type and created")
	}
	if len(raw.Data.Object) == 0 {
		return nil, malformed(fmt.Sprintf("event %s has no data.object", raw.ID))
	}

	env := domain.Envelope{
		ID:       raw.ID,
		Type:     raw.Type,
		Livemode: raw.Livemode,
		Created:  time.Unix(raw.Created, 0).UTC(),
	}
	obj := raw.Data.Object

	switch {
	case has(subscriptionEventTypes, env.Type):
		var sub stripego.Subscription
		if err := decode(obj, &sub); err != nil {
			return nil, err
		}
		snap, err := ToSubscriptionSnapshot(&sub, env.Created)
		if err != nil {
			return nil, err
		}
		return domain.SubscriptionEvent{
			Envelope: env,
			Snapshot: snap,
			Deleted:  strings.HasSuffix(env.Type, ".deleted"),
		}, nil

	case env.Type == eventTypeCheckoutCompleted:
		var session stripego.CheckoutSession
		if err := decode(obj, &session); err != nil {
			return nil, err
		}
		return ToCheckoutEvent(env, &session)

	case has(invoiceEventTypes, env.Type):
		var inv stripego.Invoice
		if err := decode(obj, &inv); err != nil {
			return nil, err
		}
		invoice, err := ToInvoice(&inv, env.Created)
		if err != nil {
			return nil, err
		}
		return domain.InvoiceEvent{Envelope: env, Invoice: invoice}, nil

	case has(customerEventTypes, env.Type):
		var c stripego.Customer
		if err := decode(obj, &c); err != nil {
			return nil, err
		}
		if env.Type == "customer.deleted" {
			c.Deleted = true
		}
		customer, err := ToCustomerSnapshot(&c, env.Created)
		if err != nil {
			return nil, err
		}
		return domain.CustomerEvent{Envelope: env, Customer: customer}, nil

	case has(priceEventTypes, env.Type):
		var p stripego.Price
		if err := decode(obj, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, malformed("price without id")
		}
		if env.Type == "price.deleted" {
			p.Deleted = true
		}
		return domain.PriceEvent{Envelope: env, Price: ToPrice(&p, env.Created)}, nil
	}

	var ref struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(obj, &ref)
	return domain.UnknownEvent{Envelope: env, ObjectID: ref.ID}, nil
}

// IsMalformed true для ошибок подписи и разбора
func IsMalformed(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent) || errors.Is(err, domain.ErrInvalidSignature)
}

func decode(obj json.RawMessage, dst any) error {
	if err := json.Unmarshal(obj, dst); err != nil {
		return malformed("invalid object: " + err.Error())
	}
	return nil
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

package domain

import "time"

// Envelope общие поля любого уведомления
type Envelope struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Livemode bool      `json:"livemode"`
	Created  time.Time `json:"created"`
}

// Event закрытый вариант разобранного уведомления.
// Реализации: SubscriptionEvent, CheckoutCompletedEvent, InvoiceEvent,
// CustomerEvent, PriceEvent, UnknownEvent.
type Event interface {
	Meta() Envelope
	// RemoteObjectID идентификатор объекта Stripe, к которому относится событие
	RemoteObjectID() string
	isEvent()
}

// SubscriptionEvent customer.subscription.*
type SubscriptionEvent struct {
	Envelope
	Snapshot SubscriptionSnapshot
	Deleted  bool
}

// CheckoutCompletedEvent checkout.session.completed
type CheckoutCompletedEvent struct {
	Envelope
	SessionID            string
	Mode                 string
	Identity             Identity
	RemoteCustomerID     string
	RemoteSubscriptionID string
	// Subscription заполнен, если объект подписки пришел развернутым
	Subscription *SubscriptionSnapshot
}

// InvoiceEvent invoice.*
type InvoiceEvent struct {
	Envelope
	Invoice Invoice
}

// CustomerEvent customer.created / updated / deleted
type CustomerEvent struct {
	Envelope
	Customer CustomerSnapshot
}

// PriceEvent price.*
type PriceEvent struct {
	Envelope
	Price Price
}

// UnknownEvent тип, который движок не обрабатывает
type UnknownEvent struct {
	Envelope
	ObjectID string
}

func (e SubscriptionEvent) Meta() Envelope      { return e.Envelope }
func (e CheckoutCompletedEvent) Meta() Envelope { return e.Envelope }
func (e InvoiceEvent) Meta() Envelope           { return e.Envelope }
func (e CustomerEvent) Meta() Envelope          { return e.Envelope }
func (e PriceEvent) Meta() Envelope             { return e.Envelope }
func (e UnknownEvent) Meta() Envelope           { return e.Envelope }

func (e SubscriptionEvent) RemoteObjectID() string      { return e.Snapshot.RemoteSubscriptionID }
func (e CheckoutCompletedEvent) RemoteObjectID() string { return e.SessionID }
func (e InvoiceEvent) RemoteObjectID() string           { return e.Invoice.RemoteInvoiceID }
func (e CustomerEvent) RemoteObjectID() string          { return e.Customer.RemoteCustomerID }
func (e PriceEvent) RemoteObjectID() string             { return e.Price.RemotePriceID }
func (e UnknownEvent) RemoteObjectID() string           { return e.ObjectID }

func (SubscriptionEvent) isEvent()      {}
func (CheckoutCompletedEvent) isEvent() {}
func (InvoiceEvent) isEvent()           {}
func (CustomerEvent) isEvent()          {}
func (PriceEvent) isEvent()             {}
func (UnknownEvent) isEvent()           {}

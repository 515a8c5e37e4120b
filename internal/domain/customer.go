package domain

import "time"

// CustomerMapping связь локального пользователя с клиентом Stripe.
// Не более одной на пользователя; RemoteCustomerID неизменяем после назначения.
type CustomerMapping struct {
	LocalUserID      string    `json:"local_user_id"`
	RemoteCustomerID string    `json:"remote_customer_id"`
	Email            string    `json:"email"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CustomerSnapshot клиент на стороне Stripe
type CustomerSnapshot struct {
	RemoteCustomerID string    `json:"remote_customer_id"`
	Email            string    `json:"email"`
	LocalUserID      string    `json:"local_user_id,omitempty"`
	Deleted          bool      `json:"deleted"`
	Version          time.Time `json:"version"`
}

// Identity данные, которых достаточно для ленивого создания CustomerMapping
type Identity struct {
	LocalUserID string
	Email       string
}

// Complete true, если можно безопасно создать связь
func (i Identity) Complete() bool {
	return i.LocalUserID != "" && i.Email != ""
}

// Merge заполняет пустые поля из other
func (i Identity) Merge(other Identity) Identity {
	if i.LocalUserID == "" {
		i.LocalUserID = other.LocalUserID
	}
	if i.Email == "" {
		i.Email = other.Email
	}
	return i
}

package stripe

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/billing-sync/internal/domain"
	stripego "github.com/stripe/stripe-go/v78"
)

// Типы ошибок Stripe, которые различает классификатор
const (
	StripeErrorTypeAPIConnection  stripego.ErrorType = "api_connection_error"
	StripeErrorTypeAPI            stripego.ErrorType = "api_error"
	StripeErrorTypeAuthentication stripego.ErrorType = "authentication_error"
	StripeErrorTypeInvalidRequest stripego.ErrorType = "invalid_request_error"
)

// isRetryableStripeError проверяет, является ли ошибка Stripe подходящей для повторной попытки
func isRetryableStripeError(err error) bool {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		// Rate Limit
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		// Ошибки соединения API
		if stripeErr.Type == StripeErrorTypeAPIConnection {
			return true
		}
		// 5xx временные, кроме 501
		if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented {
			return true
		}
		return false
	}
	// Сетевые ошибки и таймауты вне SDK тоже повторяемы
	return true
}

// isNotFound resource_missing или 404
func isNotFound(err error) bool {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripego.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}

// classify переводит ошибку SDK в классифицированную ошибку синхронизации.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Transient(op, errors.Join(domain.ErrTimeoutExceeded, err))
	}

	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return domain.Transient(op, errors.Join(domain.ErrExternalServiceUnavailable, err))
	}

	ext := domain.NewExternalServiceError("stripe", string(stripeErr.Code), stripeErr.Msg, stripeErr.HTTPStatusCode, err)
	switch {
	case isNotFound(err):
		return domain.Permanent(op, errors.Join(domain.ErrNotFound, ext))
	case isRetryableStripeError(err):
		return domain.Transient(op, errors.Join(domain.ErrExternalServiceUnavailable, ext))
	default:
		return domain.Permanent(op, ext)
	}
}

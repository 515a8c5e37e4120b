package domain

import (
	"context"
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrTimeoutExceeded превышено время ожидания
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrExternalServiceUnavailable внешний сервис недоступен
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrStorageUnavailable хранилище недоступно
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidSignature подпись вебхука не прошла проверку
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrMalformedEvent тело вебхука не удалось разобрать
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrConstraintViolation нарушено структурное ограничение (цена удалена, FK, CHECK)
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrCustomerMappingMissing нет связи пользователя с клиентом Stripe и создать ее нечем
	ErrCustomerMappingMissing = errors.New("customer mapping missing")

	// ErrNotClaimable событие уже обрабатывается, завершено или еще не готово к повтору
	ErrNotClaimable = errors.New("event is not claimable")

	// ErrLeaseLost аренда события перехвачена reaper'ом
	ErrLeaseLost = errors.New("event lease lost")

	// ErrLeaseExpired обработка не уложилась в аренду
	ErrLeaseExpired = errors.New("event lease expired")
)

// Kind классифицирует ошибку синхронизации.
type Kind int

const (
	// KindTransient повторяемая ошибка: таймаут, недоступность, конкуренция за блокировку
	KindTransient Kind = iota
	// KindPermanent повтор не поможет
	KindPermanent
	// KindMalformed вход не удалось разобрать
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindMalformed:
		return "malformed"
	default:
		return "transient"
	}
}

// SyncError ошибка с явной классификацией.
type SyncError struct {
	Kind Kind
	Op   string
	Err  error
}

// Error реализует интерфейс error
func (e *SyncError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap возвращает оригинальную ошибку
func (e *SyncError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &SyncError{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &SyncError{Kind: KindPermanent, Op: op, Err: err}
}

func Malformed(op string, err error) error {
	return &SyncError{Kind: KindMalformed, Op: op, Err: err}
}

// KindOf определяет класс ошибки. Неклассифицированные ошибки считаются временными.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrConstraintViolation):
		return KindPermanent
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrInvalidSignature):
		return KindMalformed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}
	return KindTransient
}

// IsPermanent true для ошибок, которые нельзя повторять (включая неразбираемый вход).
func IsPermanent(err error) bool {
	k := KindOf(err)
	return k == KindPermanent || k == KindMalformed
}

// ExternalServiceError представляет ошибку внешнего сервиса
type ExternalServiceError struct {
	Service     string
	Code        string
	Message     string
	StatusCode  int
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ExternalServiceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s service error [%s]: %s: %v", e.Service, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s service error [%s]: %s", e.Service, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *ExternalServiceError) Unwrap() error {
	return e.OriginalErr
}

// NewExternalServiceError создает новую ошибку внешнего сервиса
func NewExternalServiceError(service, code, message string, statusCode int, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:     service,
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// ConstraintError описывает нарушенное ограничение.
type ConstraintError struct {
	Constraint string
	Detail     string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Detail)
}

// Is сопоставляет ошибку с ErrConstraintViolation
func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraintViolation
}

// NewConstraintError создает постоянную ошибку нарушения ограничения.
func NewConstraintError(constraint, detail string) error {
	return Permanent("constraint", &ConstraintError{Constraint: constraint, Detail: detail})
}

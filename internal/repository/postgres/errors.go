package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Классы SQLSTATE, ошибки которых не исчезнут при повторе того же запроса
var permanentClasses = map[string]struct{}{
	"0A": {}, // feature not supported
	"21": {}, // cardinality violation
	"22": {}, // data exception
	"42": {}, // syntax error or access rule violation
	"44": {}, // with check option violation
}

// classify приводит ошибку драйвера к классам domain.
//   - 23xxx: нарушение ограничения, постоянная ошибка
//   - 0A, 21, 22, 42, 44: ошибка запроса или данных, постоянная
//   - отсутствие строки: ErrNotFound
//
// Все остальное (блокировки, перезапуск сервера, лимит соединений, таймауты, сеть)
// считается временной недоступностью хранилища.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFoundError(op, "")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(op, errors.Join(domain.ErrTimeoutExceeded, err))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := sqlStateClass(pgErr.Code)
		if class == "23" {
			return domain.NewConstraintError(pgErr.ConstraintName, pgErr.Message)
		}
		if _, ok := permanentClasses[class]; ok {
			return domain.Permanent(op, pgErr)
		}
		return domain.Transient(op, fmt.Errorf("%w: %s (%s)", domain.ErrStorageUnavailable, pgErr.Message, pgErr.Code))
	}
	return domain.Transient(op, errors.Join(domain.ErrStorageUnavailable, err))
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}

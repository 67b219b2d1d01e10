package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/elin-system/internal/model"
)

// CreateOrder создаёт заказ на покупку пакета кредитов. Повторный запрос
// с тем же ключом идемпотентности возвращает существующий заказ без новой строки.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) (model.Order, bool, error) {
	var created bool

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, package_size, amount_twd, status, idempotency_key)
			 VALUES ($1, $2, $3, $4, 'pending', $5)
			 ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
			o.ID, o.UserID, o.PackageSize, o.AmountTWD, o.IdempotencyKey,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		created = cmdTag.RowsAffected() == 1

		row := tx.QueryRow(ctx,
			`SELECT id, user_id, package_size, amount_twd, status, idempotency_key, created_at, paid_at
			 FROM orders
			 WHERE user_id = $1 AND idempotency_key = $2`,
			o.UserID, o.IdempotencyKey,
		)
		existing, err := scanOrder(row)
		if err != nil {
			return err
		}

		o = existing
		return nil
	})
	if err != nil {
		return model.Order{}, false, err
	}

	return o, created, nil
}

// GetOrder возвращает заказ пользователя.
func (r *PostgresRepository) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, package_size, amount_twd, status, idempotency_key, created_at, paid_at
		 FROM orders
		 WHERE id = $1 AND user_id = $2`,
		orderID, userID,
	)
	return scanOrder(row)
}

// MarkOrderPaid помечает заказ оплаченным и начисляет кредиты пакета в одной
// транзакции: запись purchase в журнал и пополнение кошелька. Для уже
// оплаченного заказа ничего не меняет и возвращает его вместе с текущим
// балансом — кредиты никогда не начисляются дважды.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, userID, orderID uuid.UUID, requestID string) (model.Order, int64, error) {
	var order model.Order
	var balance int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx,
				`SELECT id, user_id, package_size, amount_twd, status, idempotency_key, created_at, paid_at
				 FROM orders
				 WHERE id = $1 AND user_id = $2
				 FOR UPDATE`,
				orderID, userID,
			)
			o, err := scanOrder(row)
			if err != nil {
				return err
			}

			current, err := ensureWalletLocked(ctx, tx, userID)
			if err != nil {
				return err
			}

			if o.Status == model.OrderStatusPaid {
				order = o
				balance = current
				return nil
			}
			if o.Status != model.OrderStatusPending {
				return ErrOrderNotPayable
			}

			grant := int64(o.PackageSize)
			if err := applyWalletDelta(ctx, tx, userID, grant); err != nil {
				return err
			}

			err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
				UserID:         userID,
				OrderID:        &o.ID,
				Action:         model.ActionPurchase,
				Amount:         grant,
				ReasonCode:     model.ReasonOrderPaid,
				IdempotencyKey: fmt.Sprintf("order:%s:purchase", o.ID),
				RequestID:      requestID,
			})
			if err != nil {
				return err
			}

			paidAt := time.Now().UTC()
			_, err = tx.Exec(ctx,
				`UPDATE orders SET status = 'paid', paid_at = $2 WHERE id = $1`,
				o.ID, paidAt,
			)
			if err != nil {
				return fmt.Errorf("update order: %w", err)
			}

			o.Status = model.OrderStatusPaid
			o.PaidAt = &paidAt
			order = o
			balance = current + grant
			return nil
		})
	})
	if err != nil {
		return model.Order{}, 0, err
	}

	return order, balance, nil
}

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	var status string

	err := row.Scan(&o.ID, &o.UserID, &o.PackageSize, &o.AmountTWD, &status, &o.IdempotencyKey, &o.CreatedAt, &o.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, fmt.Errorf("scan order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	return o, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

const orderColumns = `id, total_amount, total_items, status, paid, paid_at,
	COALESCE(external_charge_id, ''), created_at, updated_at`

type orderStore struct {
	db *sql.DB
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{db: store.DB()}
}

// Create пишет заказ и позиции в одной транзакции.
func (r *orderStore) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("order invariants: %w", errors.Join(errs...))
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return withTx(ctx, r.db, nil, func(tx *sql.Tx) (domain.Order, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, total_amount, total_items, status, paid, created_at, updated_at
			) VALUES ($1,$2,$3,$4,false,$5,$6)
		`,
			order.ID, order.TotalAmount, order.TotalItems, string(order.Status),
			order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Order{}, domain.ErrOrderExists
			}
			return domain.Order{}, fmt.Errorf("insert order: %w", err)
		}

		for pos, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					id, order_id, position, product_id, name, quantity, price
				) VALUES ($1,$2,$3,$4,$5,$6,$7)
			`,
				uuid.NewString(), order.ID, pos, item.ProductID, item.Name, item.Quantity, item.Price,
			); err != nil {
				return domain.Order{}, fmt.Errorf("insert order item %d: %w", pos, err)
			}
		}

		return order, nil
	})
}

// FindMany считает заказы по фильтру и возвращает запрошенную страницу без позиций.
func (r *orderStore) FindMany(ctx context.Context, req domain.PageRequest) ([]domain.Order, int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var status sql.NullString
	if req.Status != nil {
		status = sql.NullString{String: string(*req.Status), Valid: true}
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE ($1::text IS NULL OR status = $1)
	`, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, status, req.Limit, req.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, req.Limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, total, nil
}

// FindByID возвращает заказ с позициями и чеком.
func (r *orderStore) FindByID(ctx context.Context, id string) (domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Order{}, domain.OrderNotFound(id)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.OrderNotFound(id)
		}
		return domain.Order{}, err
	}

	if order.Items, err = loadItems(ctx, r.db, id); err != nil {
		return domain.Order{}, err
	}
	if order.Receipt, err = loadReceipt(ctx, r.db, id); err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

// UpdateStatus меняет статус и возвращает обновлённый заказ.
func (r *orderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, domain.ErrInvalidStatus
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.Order{}, domain.OrderNotFound(id)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+orderColumns,
		id, string(status), time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.OrderNotFound(id)
		}
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}
	return order, nil
}

// MarkPaid применяет оплату под блокировкой строки заказа.
// Условие paid = false и уникальные ограничения гарантируют один чек на заказ.
func (r *orderStore) MarkPaid(ctx context.Context, s domain.Settlement, paidAt time.Time, policy domain.TransitionPolicy) (domain.Order, domain.SettlementOutcome, error) {
	if _, err := uuid.Parse(s.OrderID); err != nil {
		return domain.Order{}, "", domain.OrderNotFound(s.OrderID)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	type result struct {
		order   domain.Order
		outcome domain.SettlementOutcome
	}

	res, err := withTx(ctx, r.db, nil, func(tx *sql.Tx) (result, error) {
		current, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, s.OrderID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return result{}, domain.OrderNotFound(s.OrderID)
			}
			return result{}, err
		}

		if current.Paid {
			if current.ExternalChargeID != s.ExternalChargeID {
				return result{}, fmt.Errorf("%w: order %s", domain.ErrSettlementConflict, s.OrderID)
			}
			return result{order: current, outcome: domain.SettlementDuplicate}, nil
		}
		if err := current.SettlementAllowed(policy); err != nil {
			return result{}, err
		}

		paidAt = paidAt.UTC()
		updated, err := scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders
			SET status = $2, paid = true, paid_at = $3, external_charge_id = $4, updated_at = $3
			WHERE id = $1 AND paid = false
			RETURNING `+orderColumns,
			s.OrderID, string(domain.OrderStatusPaid), paidAt, s.ExternalChargeID,
		))
		if err != nil {
			if constraint, ok := uniqueViolation(err); ok {
				return result{}, fmt.Errorf("%w: %s", domain.ErrSettlementConflict, constraint)
			}
			return result{}, fmt.Errorf("mark order paid: %w", err)
		}

		receipt := domain.OrderReceipt{
			ID:         uuid.NewString(),
			OrderID:    s.OrderID,
			ReceiptURL: s.ReceiptURL,
			CreatedAt:  paidAt,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_receipts (id, order_id, receipt_url, created_at)
			VALUES ($1,$2,$3,$4)
		`, receipt.ID, receipt.OrderID, receipt.ReceiptURL, receipt.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return result{}, fmt.Errorf("%w: receipt already exists", domain.ErrSettlementConflict)
			}
			return result{}, fmt.Errorf("insert receipt: %w", err)
		}
		updated.Receipt = &receipt
		return result{order: updated, outcome: domain.SettlementApplied}, nil
	})
	if err != nil {
		return domain.Order{}, "", err
	}

	order := res.order
	if order.Items, err = loadItems(ctx, r.db, s.OrderID); err != nil {
		return domain.Order{}, "", err
	}
	if order.Receipt == nil {
		if order.Receipt, err = loadReceipt(ctx, r.db, s.OrderID); err != nil {
			return domain.Order{}, "", err
		}
	}
	return order, res.outcome, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
		paidAt sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.TotalAmount, &order.TotalItems, &status, &order.Paid,
		&paidAt, &order.ExternalChargeID, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		order.PaidAt = &t
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadItems(ctx context.Context, q queryer, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, name, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func loadReceipt(ctx context.Context, q queryer, orderID string) (*domain.OrderReceipt, error) {
	var receipt domain.OrderReceipt
	err := q.QueryRowContext(ctx, `
		SELECT id, order_id, receipt_url, created_at
		FROM order_receipts
		WHERE order_id = $1
	`, orderID).Scan(&receipt.ID, &receipt.OrderID, &receipt.ReceiptURL, &receipt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load receipt: %w", err)
	}
	receipt.CreatedAt = receipt.CreatedAt.UTC()
	return &receipt, nil
}

var _ domain.OrderStore = (*orderStore)(nil)

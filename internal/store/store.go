// Package store persists payments, refunds, the transaction reference
// lookup table, manual actions and the audit log with gorm.
//
// The store is where the reconciliation engine's idempotency lives: state
// transitions are guarded single-row updates and the refund delta is
// computed inside one database transaction, so re-applying the same vendor
// snapshot changes nothing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

type paymentRow struct {
	ID        string          `gorm:"type:char(36);primaryKey"`
	OrderCode string          `gorm:"type:varchar(64);not null;index:ix_payments_order_code"`
	Reference string          `gorm:"type:varchar(190);not null;uniqueIndex:ux_payments_reference"`
	State     string          `gorm:"type:varchar(16);not null"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null"`
	Currency  string          `gorm:"type:char(3);not null"`
	Info      []byte          `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (paymentRow) TableName() string { return "payments" }

// referenceRow is the reference -> payment lookup table. The reference is
// unique: exactly one per payment attempt.
type referenceRow struct {
	Reference string `gorm:"type:varchar(190);primaryKey"`
	OrderCode string `gorm:"type:varchar(64);not null;index:ix_references_order_code"`
	PaymentID string `gorm:"type:char(36);not null"`
	CreatedAt time.Time
}

func (referenceRow) TableName() string { return "transaction_references" }

type refundRow struct {
	ID        string          `gorm:"type:char(36);primaryKey"`
	PaymentID string          `gorm:"type:char(36);not null;index:ix_refunds_payment_id"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null"`
	Source    string          `gorm:"type:varchar(16);not null"`
	CreatedAt time.Time
}

func (refundRow) TableName() string { return "refund_records" }

type manualActionRow struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	OrderCode string `gorm:"type:varchar(64);not null;uniqueIndex:ux_actions_order_kind"`
	Kind      string `gorm:"type:varchar(32);not null;uniqueIndex:ux_actions_order_kind"`
	Payload   []byte `gorm:"type:text"`
	Done      bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (manualActionRow) TableName() string { return "manual_actions" }

type auditEventRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Reference string `gorm:"type:varchar(190);not null;index:ix_audit_reference"`
	Type      string `gorm:"type:varchar(64);not null"`
	Payload   []byte `gorm:"type:text"`
	CreatedAt time.Time
}

func (auditEventRow) TableName() string { return "audit_events" }

// Store implements domain.PaymentStore.
type Store struct {
	db *gorm.DB
}

// Open opens the database and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&paymentRow{}, &referenceRow{}, &refundRow{},
		&manualActionRow{}, &auditEventRow{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// CreatePayment inserts the payment and registers its reference. The
// reference registration tolerates replays of the same initiation.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := paymentRow{
			ID:        p.ID,
			OrderCode: p.OrderCode,
			Reference: p.Reference,
			State:     string(p.State),
			Amount:    p.Amount,
			Currency:  p.Currency,
			Info:      p.Info,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		ref := referenceRow{
			Reference: p.Reference,
			OrderCode: p.OrderCode,
			PaymentID: p.ID,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ref).Error
	})
}

// PaymentByID loads a payment by its local identifier.
func (s *Store) PaymentByID(ctx context.Context, id string) (*domain.Payment, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// PaymentByReference resolves a vendor reference through the lookup table.
func (s *Store) PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	var ref referenceRow
	err := s.db.WithContext(ctx).First(&ref, "reference = ?", reference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.PaymentByID(ctx, ref.PaymentID)
}

// ReferenceBelongsToOrder reports whether the reference is registered
// against the given order.
func (s *Store) ReferenceBelongsToOrder(ctx context.Context, reference, orderCode string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&referenceRow{}).
		Where("reference = ? AND order_code = ?", reference, orderCode).
		Count(&n).Error
	return n > 0, err
}

// SaveSnapshot persists the latest redacted vendor snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, paymentID string, info []byte) error {
	return s.db.WithContext(ctx).Model(&paymentRow{}).
		Where("id = ?", paymentID).
		Update("info", info).Error
}

// TransitionState applies a guarded single-row state update. It returns
// false when the payment was not in one of the from states, which makes
// concurrent re-application of the same snapshot a no-op.
func (s *Store) TransitionState(ctx context.Context, paymentID string, from []domain.PaymentState, to domain.PaymentState) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	res := s.db.WithContext(ctx).Model(&paymentRow{}).
		Where("id = ? AND state IN ?", paymentID, states).
		Update("state", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ApplyRefundDelta creates exactly one external refund record for the
// difference between the vendor-reported refunded amount and the sum of
// known records, inside one transaction. A non-positive delta creates
// nothing, so webhook redelivery cannot double-refund.
func (s *Store) ApplyRefundDelta(ctx context.Context, paymentID string, vendorRefunded decimal.Decimal) (decimal.Decimal, error) {
	created := decimal.Zero
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var known decimal.Decimal
		if err := tx.Model(&refundRow{}).
			Where("payment_id = ?", paymentID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&known).Error; err != nil {
			return err
		}
		delta := vendorRefunded.Sub(known)
		if !delta.IsPositive() {
			return nil
		}
		row := refundRow{
			ID:        uuid.New().String(),
			PaymentID: paymentID,
			Amount:    delta,
			Source:    string(domain.RefundExternal),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		created = delta
		return nil
	})
	return created, err
}

// RecordRefund stores a refund this service initiated itself.
func (s *Store) RecordRefund(ctx context.Context, r *domain.RefundRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	row := refundRow{
		ID:        r.ID,
		PaymentID: r.PaymentID,
		Amount:    r.Amount,
		Source:    string(r.Source),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// CreateManualAction raises a manual action, deduplicated per
// (order, kind) by a unique index plus conflict-ignore insert.
func (s *Store) CreateManualAction(ctx context.Context, orderCode string, kind domain.ActionKind, payload []byte) (bool, error) {
	row := manualActionRow{
		ID:        uuid.New().String(),
		OrderCode: orderCode,
		Kind:      string(kind),
		Payload:   payload,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AppendAuditEvent writes an immutable status event record.
func (s *Store) AppendAuditEvent(ctx context.Context, reference, eventType string, payload []byte) error {
	row := auditEventRow{
		Reference: reference,
		Type:      eventType,
		Payload:   payload,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RefundsForPayment lists the known refund records for one payment.
func (s *Store) RefundsForPayment(ctx context.Context, paymentID string) ([]domain.RefundRecord, error) {
	var rows []refundRow
	if err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RefundRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.RefundRecord{
			ID:        r.ID,
			PaymentID: r.PaymentID,
			Amount:    r.Amount,
			Source:    domain.RefundSource(r.Source),
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

func (r paymentRow) toDomain() *domain.Payment {
	return &domain.Payment{
		ID:        r.ID,
		OrderCode: r.OrderCode,
		Reference: r.Reference,
		State:     domain.PaymentState(r.State),
		Amount:    r.Amount,
		Currency:  r.Currency,
		Info:      r.Info,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

package store

import (
	"context"
	"time"

	"github.com/InjectiveLabs/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	null "gopkg.in/guregu/null.v4"

	"github.com/TulparLabs/tulpar-autopost/payment"
)

// CreateInvoice persists a freshly created invoice in PENDING state.
func (s *Store) CreateInvoice(ctx context.Context, rec *payment.InvoiceRecord) error {
	metrics.ReportFuncCall(s.svcTags)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (payment_id, client_ref, user_channel_id, amount, description, status, qr_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.PaymentID, rec.ClientRef, rec.UserChannelID, rec.Amount,
		rec.Description, rec.Status, rec.QRPayload, rec.CreatedAt,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrapf(err, "failed to insert invoice %s", rec.PaymentID)
	}

	return nil
}

// SetInvoiceMessageID records the chat message that carries the QR code.
func (s *Store) SetInvoiceMessageID(ctx context.Context, paymentID string, messageID int64) error {
	metrics.ReportFuncCall(s.svcTags)

	_, err := s.pool.Exec(ctx,
		`UPDATE payments SET message_id = $2 WHERE payment_id = $1`,
		paymentID, messageID,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrapf(err, "failed to record message id for %s", paymentID)
	}

	return nil
}

// GetInvoice loads one invoice by its payment id.
func (s *Store) GetInvoice(ctx context.Context, paymentID string) (*payment.InvoiceRecord, error) {
	metrics.ReportFuncCall(s.svcTags)

	var (
		rec       payment.InvoiceRecord
		qrPayload null.String
		messageID null.Int
		paidAt    null.Time
	)

	err := s.pool.QueryRow(ctx, `
		SELECT payment_id, client_ref, user_channel_id, amount, description, status, qr_payload, message_id, paid_at, created_at
		FROM payments
		WHERE payment_id = $1`,
		paymentID,
	).Scan(
		&rec.PaymentID, &rec.ClientRef, &rec.UserChannelID, &rec.Amount,
		&rec.Description, &rec.Status, &qrPayload, &messageID, &paidAt, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Errorf("invoice %s not found", paymentID)
	}
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return nil, errors.Wrapf(err, "failed to query invoice %s", paymentID)
	}

	rec.QRPayload = qrPayload.ValueOrZero()
	rec.MessageID = messageID.ValueOrZero()
	rec.PaidAt = paidAt.ValueOrZero()

	return &rec, nil
}

// FinalisePaid performs the atomic PENDING to PAID transition. The guarded
// single-row update makes concurrent finalisations race safely: exactly one
// caller observes true.
func (s *Store) FinalisePaid(ctx context.Context, paymentID string, paidAt time.Time) (bool, error) {
	metrics.ReportFuncCall(s.svcTags)

	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET status = $2, paid_at = $3
		WHERE payment_id = $1 AND status = $4`,
		paymentID, payment.StatusPaid, paidAt, payment.StatusPending,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return false, errors.Wrapf(err, "failed to finalise invoice %s", paymentID)
	}

	return tag.RowsAffected() == 1, nil
}

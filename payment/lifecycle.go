package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// InvoiceRecord is the durable view of an invoice as the storage layer keeps
// it.
type InvoiceRecord struct {
	PaymentID     string
	ClientRef     string
	UserChannelID string
	Amount        decimal.Decimal
	Description   string
	Status        Status
	QRPayload     string
	MessageID     int64
	CreatedAt     time.Time
	PaidAt        time.Time
}

// InvoiceStore persists invoices. FinalisePaid must be an atomic
// PENDING-to-PAID check-and-set and report whether this call won the
// transition.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, rec *InvoiceRecord) error
	SetInvoiceMessageID(ctx context.Context, paymentID string, messageID int64) error
	GetInvoice(ctx context.Context, paymentID string) (*InvoiceRecord, error)
	FinalisePaid(ctx context.Context, paymentID string, paidAt time.Time) (bool, error)
}

// Messenger is the slice of the chat gateway the lifecycle needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
	DeleteMessage(ctx context.Context, chatID string, messageID int64) error
	NotifyOperators(ctx context.Context, chatIDs []string, text string) error
}

type LifecycleConfig struct {
	OperatorChats []string
}

// Lifecycle ties the gateway client, the invoice store and the messenger
// together: it creates invoices with their QR messages and finalises them
// exactly once on payment.
type Lifecycle struct {
	config    *LifecycleConfig
	gateway   *Client
	store     InvoiceStore
	messenger Messenger

	logger  log.Logger
	svcTags metrics.Tags
}

func NewLifecycle(cfg *LifecycleConfig, gateway *Client, store InvoiceStore, messenger Messenger) *Lifecycle {
	if cfg == nil {
		cfg = &LifecycleConfig{}
	}

	return &Lifecycle{
		config:    cfg,
		gateway:   gateway,
		store:     store,
		messenger: messenger,

		logger: log.WithField("svc", "payment"),
		svcTags: metrics.Tags{
			"svc": "payment",
		},
	}
}

// CreateInvoice registers the invoice upstream, persists it as PENDING and
// sends the QR message to the user, recording the message id for later
// cleanup.
func (l *Lifecycle) CreateInvoice(
	ctx context.Context,
	userChannelID, clientRef string,
	amount decimal.Decimal,
	description string,
) (*InvoiceRecord, error) {
	metrics.ReportFuncCall(l.svcTags)
	doneFn := metrics.ReportFuncTiming(l.svcTags)
	defer doneFn()

	orderID := NewOrderID(clientRef, amount, time.Now().UTC())

	inv, err := l.gateway.CreateInvoice(ctx, &CreateInvoiceRequest{
		OrderID:     orderID,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		metrics.ReportFuncError(l.svcTags)
		return nil, err
	}

	rec := &InvoiceRecord{
		PaymentID:     orderID,
		ClientRef:     clientRef,
		UserChannelID: userChannelID,
		Amount:        amount,
		Description:   description,
		Status:        StatusPending,
		QRPayload:     inv.QRPayload,
		CreatedAt:     time.Now().UTC(),
	}

	if err := l.store.CreateInvoice(ctx, rec); err != nil {
		metrics.ReportFuncError(l.svcTags)
		return nil, errors.Wrap(err, "failed to persist invoice")
	}

	msgID, err := l.messenger.SendMessage(ctx, userChannelID, invoiceMessage(rec, inv))
	if err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"payment_id": orderID,
		}).Warningln("failed to deliver QR message")
		return rec, nil
	}

	rec.MessageID = msgID
	if err := l.store.SetInvoiceMessageID(ctx, orderID, msgID); err != nil {
		l.logger.WithError(err).Warningln("failed to record QR message id")
	}

	return rec, nil
}

// CheckStatus proxies a status poll for the given local invoice.
func (l *Lifecycle) CheckStatus(ctx context.Context, paymentID string) (*StatusResult, error) {
	return l.gateway.CheckStatus(ctx, "", paymentID)
}

// Finalise marks the invoice PAID exactly once. Repeat calls are successful
// no-ops; the side effects (QR cleanup, user and operator messages) fire
// only for the call that wins the PENDING-to-PAID transition.
func (l *Lifecycle) Finalise(ctx context.Context, paymentID string) (bool, error) {
	metrics.ReportFuncCall(l.svcTags)
	doneFn := metrics.ReportFuncTiming(l.svcTags)
	defer doneFn()

	rec, err := l.store.GetInvoice(ctx, paymentID)
	if err != nil {
		metrics.ReportFuncError(l.svcTags)
		return false, errors.Wrapf(err, "failed to load invoice %s", paymentID)
	}

	if rec.Status == StatusPaid {
		return true, nil
	}

	won, err := l.store.FinalisePaid(ctx, paymentID, time.Now().UTC())
	if err != nil {
		metrics.ReportFuncError(l.svcTags)
		return false, errors.Wrapf(err, "failed to finalise invoice %s", paymentID)
	}
	if !won {
		// another caller got there first
		return true, nil
	}

	if rec.MessageID > 0 {
		if err := l.messenger.DeleteMessage(ctx, rec.UserChannelID, rec.MessageID); err != nil {
			l.logger.WithError(err).WithFields(log.Fields{
				"payment_id": paymentID,
			}).Warningln("failed to delete QR message")
		}
	}

	if _, err := l.messenger.SendMessage(ctx, rec.UserChannelID, paidUserMessage(rec)); err != nil {
		l.logger.WithError(err).Warningln("failed to notify user about payment")
	}

	if err := l.messenger.NotifyOperators(ctx, l.config.OperatorChats, paidOperatorMessage(rec)); err != nil {
		l.logger.WithError(err).Warningln("failed to notify operators about payment")
	}

	l.logger.WithFields(log.Fields{
		"payment_id": paymentID,
		"amount":     rec.Amount.String(),
	}).Infoln("invoice finalised")

	return true, nil
}

func invoiceMessage(rec *InvoiceRecord, inv *Invoice) string {
	text := fmt.Sprintf(
		"💳 <b>Счёт на оплату</b>\n\n📦 %s\n💰 Сумма: <b>%s сом</b>",
		rec.Description, rec.Amount.String(),
	)
	if len(inv.QRImageURL) > 0 {
		text += fmt.Sprintf("\n\n🔗 <a href=\"%s\">Оплатить</a>", inv.QRImageURL)
	}
	return text
}

func paidUserMessage(rec *InvoiceRecord) string {
	return fmt.Sprintf(
		"✅ <b>Оплата получена!</b>\n\n📦 %s\n💰 Сумма: <b>%s сом</b>\n\nСпасибо за оплату!",
		rec.Description, rec.Amount.String(),
	)
}

func paidOperatorMessage(rec *InvoiceRecord) string {
	return fmt.Sprintf(
		"💰 <b>Поступила оплата</b>\n\n🆔 %s\n👤 Клиент: %s\n💵 Сумма: %s сом\n📦 %s",
		rec.PaymentID, rec.ClientRef, rec.Amount.String(), rec.Description,
	)
}

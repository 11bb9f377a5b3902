package payment

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

const (
	cmdCreateInvoice  = "createInvoice"
	cmdStatusPayment  = "statusPayment"
	cmdInvoiceCancel  = "invoiceCancel"
	cmdVoidPayment    = "voidPayment"
	cmdRefundEwallet  = "refundPaymentToEwallet"

	requestTimeout    = 30 * time.Second
	defaultAPIVersion = 1005
)

type Config struct {
	APIURL     string
	SID        string
	Password   string
	APIVersion int
	TestMode   bool
}

func checkClientConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.APIVersion == 0 {
		cfg.APIVersion = defaultAPIVersion
	}

	return cfg
}

// Client talks to the payment gateway through its single signed endpoint.
// Every request carries the same envelope with an HMAC-MD5 hash over the
// canonical body.
type Client struct {
	config *Config
	signer *Signer
	client *http.Client

	logger  log.Logger
	svcTags metrics.Tags
}

func NewClient(cfg *Config) *Client {
	cfg = checkClientConfig(cfg)

	return &Client{
		config: cfg,
		signer: NewSigner(cfg.Password),
		client: httputil.NewClient(requestTimeout),

		logger: log.WithField("svc", "payment"),
		svcTags: metrics.Tags{
			"svc": "payment",
		},
	}
}

func (c *Client) IsConfigured() bool {
	return len(c.config.APIURL) > 0 && len(c.config.SID) > 0 && len(c.config.Password) > 0
}

// envelope field order matters: the signature covers this exact serialisation.
type envelope struct {
	Cmd     string      `json:"cmd"`
	Version int         `json:"version"`
	Lang    string      `json:"lang"`
	Sid     string      `json:"sid"`
	Mktime  string      `json:"mktime"`
	Data    interface{} `json:"data"`
	Hash    string      `json:"hash,omitempty"`
}

func (c *Client) call(ctx context.Context, cmd string, data interface{}) (json.RawMessage, error) {
	if !c.IsConfigured() {
		return nil, errors.New("payment gateway is not configured")
	}

	env := &envelope{
		Cmd:     cmd,
		Version: c.config.APIVersion,
		Lang:    "ru",
		Sid:     c.config.SID,
		Mktime:  strconv.FormatInt(time.Now().Unix(), 10),
		Data:    data,
	}

	_, hash, err := c.signer.Sign(env)
	if err != nil {
		return nil, err
	}
	env.Hash = hash

	body, err := compactJSON(env)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "gateway request %s failed", cmd)
	}

	respBody, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("gateway returned HTTP %d for %s", resp.StatusCode, cmd)
	}

	var top struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &top); err != nil {
		return nil, errors.Wrapf(err, "invalid gateway JSON for %s", cmd)
	}

	if top.Status == "error" || (len(top.Error) > 0 && string(top.Error) != "null") {
		msg := top.Message
		if len(msg) == 0 {
			msg = string(top.Error)
		}
		return nil, errors.Errorf("gateway error for %s: %s", cmd, msg)
	}

	if len(top.Data) > 0 {
		return top.Data, nil
	}
	return respBody, nil
}

// CreateInvoiceRequest describes a new invoice. Amount is in som and gets
// converted to minor units on the wire.
type CreateInvoiceRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Description string
}

// Invoice is the gateway's answer to createInvoice: an id plus whatever QR
// material the gateway decided to include.
type Invoice struct {
	InvoiceID  string
	OrderID    string
	QRPayload  string
	QRImageURL string
}

type createInvoiceData struct {
	OrderID  string `json:"order_id"`
	Desc     string `json:"desc"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Test     int    `json:"test"`
}

// CreateInvoice registers an invoice with the gateway and extracts the QR
// payload and link from the response.
func (c *Client) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*Invoice, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	testFlag := 0
	if c.config.TestMode {
		testFlag = 1
	}

	data := &createInvoiceData{
		OrderID:  req.OrderID,
		Desc:     req.Description,
		Amount:   req.Amount.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency: "KGS",
		Test:     testFlag,
	}

	raw, err := c.call(ctx, cmdCreateInvoice, data)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	var resp struct {
		InvoiceID  flexString `json:"invoice_id"`
		QR         string     `json:"qr"`
		EmvQR      string     `json:"emv_qr"`
		PaylinkURL string     `json:"paylink_url"`
		QRURL      string     `json:"qr_url"`
		SitePay    string     `json:"site_pay"`
		LinkApp    string     `json:"link_app"`
		Error      flexString `json:"error"`
		Desc       string     `json:"desc"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Wrap(err, "failed to unmarshal createInvoice response")
	}

	if len(resp.Error) > 0 && resp.Error.String() != "0" {
		metrics.ReportFuncError(c.svcTags)
		if len(resp.Desc) > 0 {
			return nil, errors.Errorf("createInvoice rejected: %s", resp.Desc)
		}
		return nil, errors.Errorf("createInvoice rejected with code %s", resp.Error.String())
	}

	if len(resp.InvoiceID) == 0 {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.New("createInvoice response has no invoice_id")
	}

	inv := &Invoice{
		InvoiceID:  resp.InvoiceID.String(),
		OrderID:    req.OrderID,
		QRPayload:  firstNonEmpty(resp.QR, resp.EmvQR, resp.PaylinkURL),
		QRImageURL: firstNonEmpty(resp.QRURL, resp.SitePay, resp.LinkApp),
	}

	c.logger.WithFields(log.Fields{
		"invoice_id": inv.InvoiceID,
		"order_id":   inv.OrderID,
	}).Infoln("invoice created")

	return inv, nil
}

// StatusResult carries one decoded statusPayment record.
type StatusResult struct {
	Status    Status
	StatusRaw string
	InvoiceID string
	OrderID   string
	Amount    int64
	Fee       int64
	TransID   string
	PaidAt    time.Time
}

type statusPaymentData struct {
	InvoiceID string `json:"invoice_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

// CheckStatus polls the invoice state by invoice or order id.
func (c *Client) CheckStatus(ctx context.Context, invoiceID, orderID string) (*StatusResult, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	if len(invoiceID) == 0 && len(orderID) == 0 {
		return nil, errors.New("either invoice_id or order_id is required")
	}

	raw, err := c.call(ctx, cmdStatusPayment, &statusPaymentData{
		InvoiceID: invoiceID,
		OrderID:   orderID,
	})
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	type paymentRecord struct {
		StatusPay json.Number `json:"status_pay"`
		Status    string      `json:"status"`
		InvoiceID flexString  `json:"invoice_id"`
		OrderID   flexString  `json:"order_id"`
		Amount    int64       `json:"amount"`
		Fee       int64       `json:"fee"`
		TransID   flexString  `json:"trans_id"`
		Trans     flexString  `json:"trans"`
		Dt        string      `json:"dt"`
		DatePay   string      `json:"date_pay"`
	}

	var resp struct {
		paymentRecord
		Payments []paymentRecord `json:"payments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Wrap(err, "failed to unmarshal statusPayment response")
	}

	record := resp.paymentRecord
	if len(resp.Payments) > 0 {
		record = resp.Payments[0]
	}

	status, ok := DecodeStatus(record.StatusPay, record.Status)
	if !ok {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Errorf("unknown payment status: status_pay=%s status=%q", record.StatusPay, record.Status)
	}

	result := &StatusResult{
		Status:    status,
		StatusRaw: record.Status,
		InvoiceID: record.InvoiceID.String(),
		OrderID:   record.OrderID.String(),
		Amount:    record.Amount,
		Fee:       record.Fee,
		TransID:   firstNonEmpty(record.TransID.String(), record.Trans.String()),
	}

	if ts, ok := ParsePaidAt(firstNonEmpty(record.Dt, record.DatePay)); ok {
		result.PaidAt = ts
	}

	return result, nil
}

// CancelInvoice revokes an unpaid invoice. Fire and forget.
func (c *Client) CancelInvoice(ctx context.Context, invoiceID string) bool {
	metrics.ReportFuncCall(c.svcTags)

	if _, err := c.call(ctx, cmdInvoiceCancel, map[string]string{"invoice_id": invoiceID}); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"invoice_id": invoiceID,
		}).Warningln("invoiceCancel failed")
		return false
	}

	return true
}

// VoidPayment fully reverses a completed payment.
func (c *Client) VoidPayment(ctx context.Context, transID string) bool {
	metrics.ReportFuncCall(c.svcTags)

	if _, err := c.call(ctx, cmdVoidPayment, map[string]string{"trans_id": transID}); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"trans_id": transID,
		}).Warningln("voidPayment failed")
		return false
	}

	return true
}

// RefundToEwallet sends a partial refund, amount in minor units.
func (c *Client) RefundToEwallet(ctx context.Context, transID string, amount int64) bool {
	metrics.ReportFuncCall(c.svcTags)

	if _, err := c.call(ctx, cmdRefundEwallet, map[string]interface{}{
		"trans_id": transID,
		"amount":   amount,
	}); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"trans_id": transID,
		}).Warningln("refundPaymentToEwallet failed")
		return false
	}

	return true
}

// NewOrderID derives a unique, human-traceable order id from the client
// reference, the amount and the creation time.
func NewOrderID(clientRef string, amount decimal.Decimal, now time.Time) string {
	if len(clientRef) == 0 {
		clientRef = "UNK"
	}

	ts := now.Format("20060102150405")
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", clientRef, amount.String(), ts)))

	return fmt.Sprintf("TLP-%s-%s-%s", clientRef, ts, hex.EncodeToString(sum[:])[:8])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return ""
}

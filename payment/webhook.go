package payment

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/gorilla/mux"
)

const maxWebhookBody = 1 * 1024 * 1024

type WebhookConfig struct {
	// StrictSignature rejects callbacks without a hash member. When off,
	// an unsigned callback is accepted with a warning for gateways that
	// predate signing.
	StrictSignature bool
}

// WebhookHandler terminates the gateway's inbound callback: it verifies the
// signature, decodes the status and triggers finalisation on PAID.
type WebhookHandler struct {
	config    *WebhookConfig
	signer    *Signer
	lifecycle *Lifecycle

	logger  log.Logger
	svcTags metrics.Tags
}

func NewWebhookHandler(cfg *WebhookConfig, signer *Signer, lifecycle *Lifecycle) *WebhookHandler {
	if cfg == nil {
		cfg = &WebhookConfig{StrictSignature: true}
	}

	return &WebhookHandler{
		config:    cfg,
		signer:    signer,
		lifecycle: lifecycle,

		logger: log.WithField("svc", "payment"),
		svcTags: metrics.Tags{
			"svc": "payment",
		},
	}
}

// Register mounts the callback route on the given router.
func (h *WebhookHandler) Register(router *mux.Router) {
	router.HandleFunc("/payment/callback", h.handleCallback).Methods(http.MethodPost)
}

type callbackPayload struct {
	InvoiceID flexString  `json:"invoice_id"`
	OrderID   flexString  `json:"order_id"`
	StatusPay json.Number `json:"status_pay"`
	Status    string      `json:"status"`
	Amount    int64       `json:"amount"`
	Trans     flexString  `json:"trans"`
	Dt        string      `json:"dt"`
}

func (h *WebhookHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	metrics.ReportFuncCall(h.svcTags)
	doneFn := metrics.ReportFuncTiming(h.svcTags)
	defer doneFn()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.ReportFuncError(h.svcTags)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ok, found, err := h.signer.VerifyBody(body)
	if err != nil {
		metrics.ReportFuncError(h.svcTags)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch {
	case !found && h.config.StrictSignature:
		metrics.ReportFuncError(h.svcTags)
		h.logger.Warningln("unsigned payment callback rejected")
		http.Error(w, "signature required", http.StatusForbidden)
		return
	case !found:
		h.logger.Warningln("payment callback accepted without signature")
	case !ok:
		metrics.ReportFuncError(h.svcTags)
		h.logger.Warningln("payment callback signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ReportFuncError(h.svcTags)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	status, decoded := DecodeStatus(payload.StatusPay, payload.Status)
	if !decoded {
		h.logger.WithFields(log.Fields{
			"status_pay": payload.StatusPay.String(),
			"status":     payload.Status,
		}).Warningln("payment callback with unknown status acknowledged")
		writeAck(w)
		return
	}

	paymentID := payload.OrderID.String()
	if len(paymentID) == 0 {
		paymentID = payload.InvoiceID.String()
	}

	if status != StatusPaid {
		h.logger.WithFields(log.Fields{
			"payment_id": paymentID,
			"status":     string(status),
		}).Infoln("payment callback acknowledged without action")
		writeAck(w)
		return
	}

	if _, err := h.lifecycle.Finalise(r.Context(), paymentID); err != nil {
		metrics.ReportFuncError(h.svcTags)
		h.logger.WithError(err).WithFields(log.Fields{
			"payment_id": paymentID,
		}).Errorln("failed to finalise paid invoice")
		http.Error(w, "finalisation failed", http.StatusInternalServerError)
		return
	}

	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

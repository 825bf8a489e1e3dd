package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/ledger-intake/internal/config"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/channel/whatsapp"
	"github.com/kirillkom/ledger-intake/internal/observability/logging"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Metrics is the optional HTTP metrics surface of the router.
type Metrics interface {
	Middleware(service string, next http.Handler) http.Handler
	Handler() http.Handler
	RecordWebhookEvents(handled, failed int)
}

type Router struct {
	cfg      config.Config
	events   ports.InboundEventHandler
	docs     ports.DocumentReader
	exporter ports.ReviewExporter
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewRouter(
	cfg config.Config,
	events ports.InboundEventHandler,
	docs ports.DocumentReader,
	exporter ports.ReviewExporter,
	metrics Metrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WebhookMaxBodyBytes <= 0 {
		cfg.WebhookMaxBodyBytes = 1 << 20
	}
	return &Router{
		cfg:      cfg,
		events:   events,
		docs:     docs,
		exporter: exporter,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (rt *Router) Handler() http.Handler {
	webhook := http.NewServeMux()
	webhook.HandleFunc("GET /webhook", rt.verifyWebhook)
	webhook.HandleFunc("POST /webhook", rt.receiveWebhook)
	guardedWebhook := rateLimitMiddleware(
		backpressureMiddleware(webhook, rt.cfg.WebhookMaxInFlight, rt.cfg.WebhookInFlightWait),
		rt.cfg.WebhookRateLimitRPS,
		rt.cfg.WebhookRateLimitBurst,
	)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /v1/documents/{document_id}", rt.getDocumentByID)
	admin.HandleFunc("GET /v1/review/export", rt.exportReviewQueue)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/webhook", guardedWebhook)
	mux.Handle("/v1/", adminAuthMiddleware(rt.cfg.AdminAPIToken, admin))
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("intake-api", handler)
	}
	return requestIDMiddleware(accessLogMiddleware(rt.logger, handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyWebhook answers the channel subscription handshake. The challenge is
// echoed only when the verify token matches.
func (rt *Router) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode != "subscribe" || rt.cfg.ChannelVerifyToken == "" || token != rt.cfg.ChannelVerifyToken {
		rt.logger.Warn("webhook.verify_rejected", "request_id", requestIDFromContext(r.Context()), "mode", mode)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "verification failed"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// receiveWebhook handles one channel delivery. The payload is acknowledged
// once every event in it has been handled; per-event failures are logged and
// never surface as a non-2xx, which would make the channel redeliver the batch.
func (rt *Router) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.cfg.WebhookMaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if rt.cfg.ChannelAppSecret != "" {
		if err := whatsapp.VerifySignature(rt.cfg.ChannelAppSecret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
			rt.logger.Warn("webhook.signature_rejected", "request_id", requestID, "error", err)
			rt.writeError(w, err)
			return
		}
	}

	events, err := whatsapp.ParseEvents(body, rt.now().UTC())
	if err != nil {
		rt.logger.Warn("webhook.payload_rejected", "request_id", requestID, "error", err)
		rt.writeError(w, err)
		return
	}

	// Extraction must not be cut short by the channel closing the connection.
	ctx := context.WithoutCancel(r.Context())
	handled, failed := 0, 0
	for _, event := range events {
		if err := rt.events.HandleEvent(ctx, event); err != nil {
			failed++
			rt.logger.Error(
				"webhook.event_failed",
				"request_id", requestID,
				"event_id", event.ID,
				"sender", logging.MaskIdentity(event.Sender),
				"error", err,
			)
			continue
		}
		handled++
	}
	if rt.metrics != nil {
		rt.metrics.RecordWebhookEvents(handled, failed)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "received", "events": len(events)})
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("document_id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return
	}

	doc, err := rt.docs.GetByID(r.Context(), id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) exportReviewQueue(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}

	workbook, err := rt.exporter.ExportReviewQueue(r.Context(), tenantID)
	if err != nil {
		rt.writeError(w, err)
		return
	}

	filename := fmt.Sprintf("review-%s-%s.xlsx", sanitizeFilename(tenantID), rt.now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(workbook)
}

func (rt *Router) writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http.request_failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": publicErrorMessage(status, err)})
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

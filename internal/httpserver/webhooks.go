package httpserver

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shopbot/server/internal/payments"
	"github.com/shopbot/server/internal/storage"
)

const maxWebhookBody = 1 << 20

// chatUpdate is the slice of a chat-platform update this service cares
// about: who sent it. Everything else belongs to the bot frontend.
type chatUpdate struct {
	Message struct {
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

// chatWebhook ingests chat-platform updates. The platform proves itself
// with a shared secret header; a mismatch is a 401 before the body is
// read. Known senders pass through; unknown senders get a user row so
// later flows can resolve them.
func (s *Server) chatWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	token := r.Header.Get("X-Chat-Platform-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Webhooks.ChatSecret)) != 1 {
		s.metrics.ObserveAuthFailure("chat")
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("chat webhook token mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.ObserveWebhook("chat", "error", time.Since(start))
		s.logger.Error().Err(err).Msg("chat webhook body read failed")
		if nerr := s.notifier.NotifyAdmins(r.Context(), "Chat webhook intake failed: "+err.Error()); nerr != nil {
			s.logger.Warn().Err(nerr).Msg("admin notification failed")
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	var update chatUpdate
	if err := json.Unmarshal(body, &update); err != nil || update.Message.From.ID == 0 {
		// Not an update shape this service acts on; ack so the platform
		// does not retry.
		s.metrics.ObserveWebhook("chat", "ignored", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	s.ensureUser(r, strconv.FormatInt(update.Message.From.ID, 10))
	s.metrics.ObserveWebhook("chat", "ok", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ensureUser creates a user row for a first-time sender. Failures are
// logged, never surfaced: webhook acks must not depend on storage.
func (s *Server) ensureUser(r *http.Request, externalID string) {
	ctx := r.Context()
	if _, err := s.store.GetUserByExternalID(ctx, externalID); err == nil {
		return
	}
	err := s.store.CreateUser(ctx, storage.User{
		ID:             uuid.NewString(),
		ExternalID:     externalID,
		ApprovalStatus: storage.ApprovalPending,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("external_id", externalID).Msg("register chat user")
		return
	}
	s.logger.Info().Str("external_id", externalID).Msg("new chat user registered")
}

// processorWebhook ingests payment-processor events. The signature is
// hex(HMAC-SHA-512(secret, body with all whitespace stripped)); a
// mismatch is a 403. Any validly signed payload is answered with the
// literal body "200", reconciled or not: a non-2xx makes the processor
// redeliver, and redelivery of a half-applied event risks
// double-processing. Failures are logged and escalated to admins
// instead.
func (s *Server) processorWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.ObserveWebhook("processor", "error", time.Since(start))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.validProcessorSignature(r.Header.Get("X-Signature"), body) {
		s.metrics.ObserveAuthFailure("processor")
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("processor webhook signature mismatch")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var ev payments.ProcessorEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.metrics.ObserveWebhook("processor", "malformed", time.Since(start))
		s.logger.Error().Err(err).Msg("processor webhook body not parseable")
		s.escalate(r, "Processor webhook delivered an unparseable body: "+err.Error())
		ackProcessor(w)
		return
	}

	if err := s.payments.HandleProcessorEvent(r.Context(), ev); err != nil {
		s.metrics.ObserveWebhook("processor", "error", time.Since(start))
		s.logger.Error().Err(err).Int64("processor_tx_id", ev.ID).Msg("processor event not reconciled")
		s.escalate(r, fmt.Sprintf("Processor event %d failed reconciliation: %v", ev.ID, err))
		ackProcessor(w)
		return
	}

	s.metrics.ObserveWebhook("processor", "ok", time.Since(start))
	ackProcessor(w)
}

func ackProcessor(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("200"))
}

func (s *Server) escalate(r *http.Request, message string) {
	if err := s.notifier.NotifyAdmins(r.Context(), message); err != nil {
		s.logger.Warn().Err(err).Msg("admin notification failed")
	}
}

// validProcessorSignature checks the hex HMAC-SHA-512 of the
// whitespace-stripped body in constant time.
func (s *Server) validProcessorSignature(signature string, body []byte) bool {
	if signature == "" || s.cfg.Webhooks.ProcessorSecret == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(s.cfg.Webhooks.ProcessorSecret))
	mac.Write(stripWhitespace(body))
	return hmac.Equal(provided, mac.Sum(nil))
}

// stripWhitespace removes ASCII whitespace so the signature survives
// any re-serialization the processor's proxy layer applies.
func stripWhitespace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		out = append(out, c)
	}
	return out
}

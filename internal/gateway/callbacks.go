package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/platform/metrics"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
)

var tracer trace.Tracer = otel.Tracer("github.com/hailo-mobility/hailo/internal/gateway")

// callbackActions are the network callback endpoints the gateway serves.
var callbackActions = []string{
	protocol.ActionOnSearch,
	protocol.ActionOnSelect,
	protocol.ActionOnInit,
	protocol.ActionOnConfirm,
	protocol.ActionOnStatus,
	protocol.ActionOnTrack,
	protocol.ActionOnCancel,
	protocol.ActionOnIssue,
	protocol.ActionOnIssueStatus,
	protocol.ActionOnReceiverRecon,
}

// callbackHandler serves one network callback endpoint. Every request
// leaves a PROCESSING audit entry before verification and a SUCCESS or
// ERROR entry on the way out, whatever the outcome.
func (h *Handler) callbackHandler(action string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			metrics.CallbackLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
		}()

		ctx, span := tracer.Start(r.Context(), "callback "+action)
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.auditCallback(ctx, action, protocol.Envelope{}, nil, storage.AuditError, "unreadable body")
			nack(w, http.StatusBadRequest, apperrors.BecknInvalidRequest, "unreadable request body")
			return
		}

		// The envelope is decoded before verification only to key the
		// audit trail; nothing else trusts it until the signature holds.
		var env protocol.Envelope
		parseErr := json.Unmarshal(body, &env)
		h.auditCallback(ctx, action, env, body, storage.AuditProcessing, "")

		if h.callbacks != nil {
			if err := h.callbacks.Verify(ctx, r.Header.Get("Authorization"), body); err != nil {
				h.auditCallback(ctx, action, env, body, storage.AuditError, err.Error())
				metrics.MessagesTotal.WithLabelValues(action, string(storage.DirectionInbound), "rejected").Inc()
				nack(w, http.StatusUnauthorized, apperrors.BecknAuthError, "signature verification failed")
				return
			}
		}

		if parseErr != nil {
			h.auditCallback(ctx, action, env, body, storage.AuditError, parseErr.Error())
			nack(w, http.StatusBadRequest, apperrors.BecknInvalidRequest, "malformed envelope")
			return
		}
		if env.Context.Action != action {
			h.auditCallback(ctx, action, env, body, storage.AuditError, "context action mismatch")
			nack(w, http.StatusBadRequest, apperrors.BecknInvalidRequest, "context action does not match endpoint")
			return
		}

		if err := h.dispatchCallback(ctx, env); err != nil {
			code := apperrors.CodeOf(err)
			span.RecordError(err)
			h.auditCallback(ctx, action, env, body, storage.AuditError, err.Error())
			metrics.MessagesTotal.WithLabelValues(action, string(storage.DirectionInbound), "error").Inc()
			nack(w, code.HTTPStatus(), code.BecknCode(), err.Error())
			return
		}

		h.auditCallback(ctx, action, env, body, storage.AuditSuccess, "")
		metrics.MessagesTotal.WithLabelValues(action, string(storage.DirectionInbound), "ok").Inc()
		writeJSON(w, http.StatusOK, protocol.NewAck())
	})
}

func (h *Handler) dispatchCallback(ctx context.Context, env protocol.Envelope) error {
	switch env.Context.Action {
	case protocol.ActionOnIssue, protocol.ActionOnIssueStatus:
		return h.grievances.ApplyUpdate(ctx, env)
	case protocol.ActionOnReceiverRecon:
		_, err := h.settlements.ApplyOrderbook(ctx, env)
		return err
	default:
		return h.transactions.Apply(ctx, env)
	}
}

func (h *Handler) auditCallback(ctx context.Context, action string, env protocol.Envelope, body []byte, status storage.AuditStatus, detail string) {
	h.recorder.Record(ctx, storage.AuditRecord{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        action,
		Direction:     storage.DirectionInbound,
		Status:        status,
		ErrorDetail:   detail,
		PayloadJSON:   string(body),
	})
}

func nack(w http.ResponseWriter, httpStatus int, becknCode, message string) {
	writeJSON(w, httpStatus, protocol.NewNack(becknCode, message))
}

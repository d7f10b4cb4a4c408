// Package gateway exposes the HTTP surface of the BAP: the
// authenticated client API, the signed network callback endpoints and
// the operational endpoints.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hailo-mobility/hailo/internal/audit"
	"github.com/hailo-mobility/hailo/internal/auth"
	"github.com/hailo-mobility/hailo/internal/grievance"
	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/platform/requestctx"
	"github.com/hailo-mobility/hailo/internal/recon"
	"github.com/hailo-mobility/hailo/internal/signature"
	"github.com/hailo-mobility/hailo/internal/transaction"
)

// maxBodyBytes caps request bodies on every endpoint.
const maxBodyBytes = 1 << 20

// Handler routes gateway requests.
type Handler struct {
	transactions *transaction.Service
	grievances   *grievance.Service
	settlements  *recon.Service
	callbacks    *signature.Verifier
	sessions     SessionVerifier
	recorder     *audit.Recorder
}

// SessionVerifier validates bearer tokens on client endpoints.
type SessionVerifier interface {
	VerifyBearer(header string) (auth.SessionClaims, error)
}

// NewHandler builds the HTTP handler for the gateway.
func NewHandler(
	transactions *transaction.Service,
	grievances *grievance.Service,
	settlements *recon.Service,
	callbacks *signature.Verifier,
	sessions SessionVerifier,
	recorder *audit.Recorder,
) http.Handler {
	handler := &Handler{
		transactions: transactions,
		grievances:   grievances,
		settlements:  settlements,
		callbacks:    callbacks,
		sessions:     sessions,
		recorder:     recorder,
	}
	return handler.routes()
}

// routes wires the HTTP routes for the gateway handler.
func (h *Handler) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /bap/v1/search", h.withSession(h.handleSearch))
	mux.Handle("POST /bap/v1/select", h.withSession(h.handleSelect))
	mux.Handle("POST /bap/v1/init", h.withSession(h.handleInit))
	mux.Handle("POST /bap/v1/confirm", h.withSession(h.handleConfirm))
	mux.Handle("POST /bap/v1/cancel", h.withSession(h.handleCancel))
	mux.Handle("POST /bap/v1/status", h.withSession(h.handleStatus))
	mux.Handle("POST /bap/v1/track", h.withSession(h.handleTrack))
	mux.Handle("GET /bap/v1/transactions", h.withSession(h.handleListTransactions))
	mux.Handle("GET /bap/v1/transactions/{id}", h.withSession(h.handleGetTransaction))
	mux.Handle("GET /bap/v1/transactions/{id}/results", h.withSession(h.handleResults))
	mux.Handle("GET /bap/v1/transactions/{id}/events", h.withSession(h.handleEvents))
	mux.Handle("GET /bap/v1/transactions/{id}/ride-events", h.withSession(h.handleRideEvents))
	mux.Handle("GET /bap/v1/transactions/{id}/driver", h.withSession(h.handleDriver))

	mux.Handle("POST /igm/v1/issues", h.withSession(h.handleRaiseIssue))
	mux.Handle("GET /igm/v1/issues", h.withSession(h.handleListIssues))
	mux.Handle("GET /igm/v1/issues/{id}", h.withSession(h.handleGetIssue))
	mux.Handle("POST /igm/v1/issues/{id}/close", h.withSession(h.handleCloseIssue))

	mux.Handle("GET /recon/v1/settlements", h.withSession(h.handleListSettlements))
	mux.Handle("GET /recon/v1/settlements/{orderID}", h.withSession(h.handleGetSettlement))

	for _, action := range callbackActions {
		mux.Handle("POST /ondc/"+action, h.callbackHandler(action))
	}

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// withSession authenticates a client request before invoking the
// handler. The verified user id travels on the request context.
func (h *Handler) withSession(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.sessions == nil {
			writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "client authentication is not configured"))
			return
		}
		claims, err := h.sessions.VerifyBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r.WithContext(requestctx.WithUserID(r.Context(), claims.UserID)))
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the client-facing error response shape.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	if code != apperrors.CodeUnknown {
		message = err.Error()
	} else {
		log.Printf("gateway: unhandled error: %v", err)
	}
	writeJSON(w, code.HTTPStatus(), errorBody{Error: errorDetail{
		Code:    string(code),
		Message: message,
	}})
}

func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "malformed request body", err)
	}
	return nil
}

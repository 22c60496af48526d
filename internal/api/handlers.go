// Package api is the HTTP front-end: a thin adapter mapping requests onto
// the engine's status-check and claim calls and rendering their outcomes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mystworks/presale/internal/engine"
	"github.com/mystworks/presale/internal/policy"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "presale_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	engine *engine.Engine
	log    *logrus.Entry
}

func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e, log: logrus.WithField("component", "api")}
}

// Router wires the API surface: deposit status, claims, health, metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/deposits/{reference}", h.DepositStatusHandler).Methods("GET")
	apiV1.HandleFunc("/claims", h.CreateClaimHandler).Methods("POST")
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	Reference string `json:"reference"`
	Wallet    string `json:"wallet"`
}

type quoteResponse struct {
	Reference string       `json:"reference"`
	Quote     policy.Quote `json:"quote"`
	From      string       `json:"from,omitempty"`
	PayoutTx  string       `json:"payout_tx,omitempty"`
}

func (h *Handler) DepositStatusHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/deposits/{reference}"))
	defer timer.ObserveDuration()

	ref := mux.Vars(r)["reference"]
	quote, tx, err := h.engine.CheckStatus(r.Context(), ref)
	if err != nil {
		h.respondEngineError(w, "GET", "/deposits/{reference}", err)
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/deposits/{reference}", "200").Inc()
	respondWithJSON(w, http.StatusOK, quoteResponse{Reference: tx.Hash, Quote: quote, From: tx.From})
}

func (h *Handler) CreateClaimHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/claims"))
	defer timer.ObserveDuration()

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/claims", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "malformed_request", "Malformed JSON body")
		return
	}

	quote, payoutTx, err := h.engine.SubmitClaim(r.Context(), req.Reference, req.Wallet)
	if err != nil {
		h.respondEngineError(w, "POST", "/claims", err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"reference": req.Reference,
		"wallet":    req.Wallet,
		"payout_tx": payoutTx,
	}).Info("claim paid")

	httpRequestsTotal.WithLabelValues("POST", "/claims", "201").Inc()
	respondWithJSON(w, http.StatusCreated, quoteResponse{
		Reference: req.Reference,
		Quote:     quote,
		PayoutTx:  payoutTx,
	})
}

// respondEngineError maps the engine's two error taxonomies onto stable
// HTTP statuses; the body always carries the machine-readable code.
func (h *Handler) respondEngineError(w http.ResponseWriter, method, endpoint string, err error) {
	var (
		status int
		code   string
	)

	var rej *engine.Rejection
	var dis *engine.DisburseError
	switch {
	case errors.As(err, &rej):
		code = string(rej.Code)
		switch rej.Code {
		case engine.RejectMalformedReference, engine.RejectInvalidWallet:
			status = http.StatusBadRequest
		case engine.RejectNotFoundYet:
			status = http.StatusNotFound
		case engine.RejectNotConfirmedYet, engine.RejectAlreadyPaid:
			status = http.StatusConflict
		case engine.RejectGatewayError:
			status = http.StatusBadGateway
		default: // failed, wrong destination, out of range
			status = http.StatusUnprocessableEntity
		}
	case errors.As(err, &dis):
		code = string(dis.Code)
		switch dis.Code {
		case engine.DisburseInsufficientTreasury:
			status = http.StatusServiceUnavailable
		case engine.DisburseBroadcastError:
			status = http.StatusBadGateway
		default: // payout too large, daily cap
			status = http.StatusUnprocessableEntity
		}
	default:
		h.log.WithError(err).Error("internal error")
		status = http.StatusInternalServerError
		code = "internal_error"
	}

	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	respondWithError(w, status, code, err.Error())
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, map[string]string{"code": code, "error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/logging"
)

// Handler exposes the broker over HTTP. Devices hold an opaque bearer token
// from whatever login flow issued it; the broker only cares that the token
// verifies.
type Handler struct {
	log logging.Logger
	svc *Service
}

func NewHandler(log logging.Logger, svc *Service) *Handler {
	return &Handler{log: log.With("component", "broker.http"), svc: svc}
}

// Mux returns the broker's route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/credentials", h.issueCredentials)
	return mux
}

type issueRequestBody struct {
	Token           string `json:"token"`
	DevicePublicKey string `json:"devicePublicKey"`
	RequestedBytes  int64  `json:"requestedBytes"`
}

// IssueResponse is the success body: the minted credential plus the vault's
// storage accounting after the reservation.
type IssueResponse struct {
	Credential *Credential `json:"credential"`
	Quota      Quota       `json:"quota"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) issueCredentials(w http.ResponseWriter, r *http.Request) {
	var body issueRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request"})
		return
	}
	pub, err := base64.StdEncoding.DecodeString(body.DevicePublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed device public key"})
		return
	}

	cred, quota, err := h.svc.IssueCredentials(r.Context(), IssueRequest{
		Token:           body.Token,
		DevicePublicKey: pub,
		RequestedBytes:  body.RequestedBytes,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, IssueResponse{Credential: cred, Quota: quota})
	case errors.Is(err, common.ErrQuotaExceeded):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "quota exceeded"})
	case errors.Is(err, common.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token expired"})
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
	default:
		h.log.Error(r.Context(), "issue credentials failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the broker HTTP listener with graceful shutdown on context
// cancellation.
type Server struct {
	log  logging.Logger
	addr string
	h    *Handler
}

func NewServer(log logging.Logger, addr string, h *Handler) *Server {
	return &Server{log: log, addr: addr, h: h}
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.h.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "broker listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

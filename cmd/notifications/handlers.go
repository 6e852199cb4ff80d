package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sapliy/notification-engine/internal/auth"
	"github.com/sapliy/notification-engine/internal/notification"
	"github.com/sapliy/notification-engine/pkg/jsonutil"
	"github.com/sapliy/notification-engine/pkg/observability"
)

type RPCService interface {
	MarkAsRead(ctx context.Context, callerID, notificationID string) error
	SendTestNotification(ctx context.Context, callerID string, req notification.TestNotificationRequest) (*notification.TestNotificationResult, error)
}

type RPCHandler struct {
	svc RPCService
	log *observability.Logger
}

func NewRPCHandler(svc RPCService, log *observability.Logger) *RPCHandler {
	return &RPCHandler{svc: svc, log: log.Component("http")}
}

func NewRouter(h *RPCHandler, verifier *auth.Verifier, log *observability.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "active",
			"service": "notifications",
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// RPC routes live on the root router so a wrong method answers 405.
	authed := auth.Middleware(verifier, log)
	r.Handle("/v1/rpc/markNotificationAsRead", authed(http.HandlerFunc(h.MarkNotificationAsRead))).Methods(http.MethodPost)
	r.Handle("/v1/rpc/sendTestNotification", authed(http.HandlerFunc(h.SendTestNotification))).Methods(http.MethodPost)
	return r
}

func (h *RPCHandler) MarkNotificationAsRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NotificationID string `json:"notificationId"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.MarkAsRead(r.Context(), auth.CallerFrom(r.Context()), req.NotificationID); err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonutil.WriteResult(w, map[string]bool{"success": true})
}

func (h *RPCHandler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	var req notification.TestNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.SendTestNotification(r.Context(), auth.CallerFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonutil.WriteResult(w, res)
}

// decode checks authentication before the body so an anonymous caller
// always gets UNAUTHENTICATED.
func (h *RPCHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if auth.CallerFrom(r.Context()) == "" {
		jsonutil.WriteError(w, http.StatusUnauthorized, string(notification.CodeUnauthenticated), "User must be authenticated")
		return false
	}
	if err := jsonutil.DecodeJSON(r, v); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, string(notification.CodeInvalidArgument), "Invalid request body")
		return false
	}
	return true
}

func (h *RPCHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := notification.CodeOf(err)
	msg := "Internal error"
	var rpcErr *notification.RPCError
	if errors.As(err, &rpcErr) {
		msg = rpcErr.Message
	}

	status := httpStatus(code)
	evt := h.log.WithContext(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		evt = h.log.WithContext(r.Context()).Error()
	}
	evt.Err(err).Str("path", r.URL.Path).Str("code", string(code)).Msg("rpc failed")

	jsonutil.WriteError(w, status, string(code), msg)
}

func httpStatus(code notification.Code) int {
	switch code {
	case notification.CodeUnauthenticated:
		return http.StatusUnauthorized
	case notification.CodePermissionDenied:
		return http.StatusForbidden
	case notification.CodeInvalidArgument:
		return http.StatusBadRequest
	case notification.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

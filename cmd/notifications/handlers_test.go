package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapliy/notification-engine/internal/auth"
	"github.com/sapliy/notification-engine/internal/notification"
	"github.com/sapliy/notification-engine/internal/policy"
	"github.com/sapliy/notification-engine/pkg/observability"
)

type MockRPCService struct {
	MarkAsReadFunc           func(ctx context.Context, callerID, notificationID string) error
	SendTestNotificationFunc func(ctx context.Context, callerID string, req notification.TestNotificationRequest) (*notification.TestNotificationResult, error)
}

func (m *MockRPCService) MarkAsRead(ctx context.Context, callerID, notificationID string) error {
	return m.MarkAsReadFunc(ctx, callerID, notificationID)
}

func (m *MockRPCService) SendTestNotification(ctx context.Context, callerID string, req notification.TestNotificationRequest) (*notification.TestNotificationResult, error) {
	return m.SendTestNotificationFunc(ctx, callerID, req)
}

func newTestRouter(t *testing.T, svc RPCService) (http.Handler, *auth.Verifier) {
	t.Helper()
	v, err := auth.NewVerifier("test-secret", "")
	require.NoError(t, err)
	return NewRouter(NewRPCHandler(svc, observability.Nop()), v, observability.Nop()), v
}

func TestRPCHandler_MarkNotificationAsRead(t *testing.T) {
	tests := []struct {
		name           string
		reqBody        string
		caller         string
		mockErr        error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Valid Request",
			reqBody:        `{"notificationId":"n1"}`,
			caller:         "user_1",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"result":{"success":true}}`,
		},
		{
			name:           "Unauthenticated",
			reqBody:        `{"notificationId":"n1"}`,
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"status":"UNAUTHENTICATED","message":"User must be authenticated"}}`,
		},
		{
			name:           "Malformed Body",
			reqBody:        `{"notificationId":`,
			caller:         "user_1",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":{"status":"INVALID_ARGUMENT","message":"Invalid request body"}}`,
		},
		{
			name:           "Not Found",
			reqBody:        `{"notificationId":"missing"}`,
			caller:         "user_1",
			mockErr:        &notification.RPCError{Code: notification.CodeNotFound, Message: "Notification not found"},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `{"error":{"status":"NOT_FOUND","message":"Notification not found"}}`,
		},
		{
			name:           "Store Failure",
			reqBody:        `{"notificationId":"n1"}`,
			caller:         "user_1",
			mockErr:        assert.AnError,
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":{"status":"INTERNAL","message":"Internal error"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCaller, gotID string
			svc := &MockRPCService{
				MarkAsReadFunc: func(ctx context.Context, callerID, notificationID string) error {
					gotCaller, gotID = callerID, notificationID
					return tt.mockErr
				},
			}
			router, v := newTestRouter(t, svc)

			req := httptest.NewRequest(http.MethodPost, "/v1/rpc/markNotificationAsRead", strings.NewReader(tt.reqBody))
			if tt.caller != "" {
				token, err := v.Sign(tt.caller, time.Hour)
				require.NoError(t, err)
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.JSONEq(t, tt.expectedBody, rr.Body.String())
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.caller, gotCaller)
				assert.Equal(t, "n1", gotID)
			}
		})
	}
}

func TestRPCHandler_SendTestNotification(t *testing.T) {
	tests := []struct {
		name           string
		result         *notification.TestNotificationResult
		mockErr        error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Delivered",
			result:         &notification.TestNotificationResult{DeliveredTo: 2, FailedDeliveries: 1},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"result":{"deliveredTo":2,"failedDeliveries":1}}`,
		},
		{
			name:           "Not Admin",
			mockErr:        &notification.RPCError{Code: notification.CodePermissionDenied, Message: "Only admins can send test notifications", Err: policy.ErrDenied},
			expectedStatus: http.StatusForbidden,
			expectedBody:   `{"error":{"status":"PERMISSION_DENIED","message":"Only admins can send test notifications"}}`,
		},
		{
			name:           "Missing Fields",
			mockErr:        &notification.RPCError{Code: notification.CodeInvalidArgument, Message: "title, message and targetUserId are required"},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":{"status":"INVALID_ARGUMENT","message":"title, message and targetUserId are required"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got notification.TestNotificationRequest
			svc := &MockRPCService{
				SendTestNotificationFunc: func(ctx context.Context, callerID string, req notification.TestNotificationRequest) (*notification.TestNotificationResult, error) {
					got = req
					return tt.result, tt.mockErr
				},
			}
			router, v := newTestRouter(t, svc)
			token, err := v.Sign("admin_1", time.Hour)
			require.NoError(t, err)

			body := `{"title":"Hi","message":"Test","targetUserId":"user_2"}`
			req := httptest.NewRequest(http.MethodPost, "/v1/rpc/sendTestNotification", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+token)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.JSONEq(t, tt.expectedBody, rr.Body.String())
			assert.Equal(t, "user_2", got.TargetUserID)
		})
	}
}

func TestRouter_HealthAndMethods(t *testing.T) {
	router, _ := newTestRouter(t, &MockRPCService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"service":"notifications"`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/rpc/markNotificationAsRead", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/rpc/sendTestNotification", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/rpc/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, httpStatus(notification.CodeUnauthenticated))
	assert.Equal(t, http.StatusForbidden, httpStatus(notification.CodePermissionDenied))
	assert.Equal(t, http.StatusBadRequest, httpStatus(notification.CodeInvalidArgument))
	assert.Equal(t, http.StatusNotFound, httpStatus(notification.CodeNotFound))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(notification.CodeInternal))
}

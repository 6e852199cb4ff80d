package notification

import (
	"context"
	"errors"
	"strings"

	"github.com/sapliy/notification-engine/internal/policy"
	"github.com/sapliy/notification-engine/pkg/observability"
)

// Service implements the callable RPC operations.
type Service struct {
	repo     Repository
	users    UserDirectory
	registry *DriverRegistry
	policy   *policy.PolicyMiddleware
	log      *observability.Logger
}

func NewService(repo Repository, users UserDirectory, registry *DriverRegistry, engine policy.PolicyEngine, log *observability.Logger) *Service {
	return &Service{
		repo:     repo,
		users:    users,
		registry: registry,
		policy:   policy.NewPolicyMiddleware(engine, log),
		log:      log.Component("rpc"),
	}
}

// MarkAsRead adds the caller to the notification's readBy set.
func (s *Service) MarkAsRead(ctx context.Context, callerID, notificationID string) error {
	if callerID == "" {
		return newRPCError(CodeUnauthenticated, "User must be authenticated")
	}
	if strings.TrimSpace(notificationID) == "" {
		return newRPCError(CodeInvalidArgument, "notificationId is required")
	}
	if err := s.authorize(ctx, callerID, policy.ActionMarkRead); err != nil {
		return err
	}

	if err := s.repo.MarkRead(ctx, notificationID, callerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &RPCError{Code: CodeNotFound, Message: "Notification not found", Err: err}
		}
		return &RPCError{Code: CodeInternal, Message: "Failed to mark notification as read", Err: err}
	}
	return nil
}

// SendTestNotification sends one message to every FCM device of the
// target. It creates no record and prunes nothing.
func (s *Service) SendTestNotification(ctx context.Context, callerID string, req TestNotificationRequest) (*TestNotificationResult, error) {
	if callerID == "" {
		return nil, newRPCError(CodeUnauthenticated, "User must be authenticated")
	}
	if err := s.authorize(ctx, callerID, policy.ActionSendTest); err != nil {
		return nil, err
	}
	if req.Title == "" || req.Message == "" || req.TargetUserID == "" {
		return nil, newRPCError(CodeInvalidArgument, "title, message and targetUserId are required")
	}

	regs, err := s.users.Registrations(ctx, req.TargetUserID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, &RPCError{Code: CodeInternal, Message: "Failed to load target user", Err: err}
	}
	var targets []Target
	for _, r := range regs {
		if r.Channel == ChannelFCM && r.Token != "" {
			targets = append(targets, Target{UserID: req.TargetUserID, Channel: ChannelFCM, DeviceID: r.DeviceID, Token: r.Token})
		}
	}
	if len(targets) == 0 {
		return nil, newRPCError(CodeNotFound, "Target user has no FCM token")
	}

	driver, err := s.registry.Get(ChannelFCM)
	if err != nil {
		return nil, &RPCError{Code: CodeInternal, Message: "FCM is not configured", Err: err}
	}

	msg := Message{Title: req.Title, Body: req.Message, Data: map[string]string{"type": "test"}}
	res, err := driver.Deliver(ctx, msg, targets)
	cr := ChannelResult{Channel: ChannelFCM, Targets: targets, Result: res, Err: err}
	delivered, failed := cr.Counts()

	log := s.log.WithContext(ctx).Info()
	if err != nil {
		log = s.log.WithContext(ctx).Warn().Err(err)
	}
	log.Str("caller_id", callerID).
		Str("target_user_id", req.TargetUserID).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("test notification sent")

	return &TestNotificationResult{DeliveredTo: delivered, FailedDeliveries: failed}, nil
}

func (s *Service) authorize(ctx context.Context, callerID string, action policy.Action) error {
	user, err := s.users.GetUser(ctx, callerID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		user = &User{ID: callerID}
	case err != nil:
		return &RPCError{Code: CodeInternal, Message: "Failed to load caller", Err: err}
	}

	err = s.policy.Check(ctx, &policy.PolicyContext{
		UserID: callerID,
		Roles:  policy.RolesFor(user.Admin),
		Action: action,
	})
	if errors.Is(err, policy.ErrDenied) {
		msg := "Permission denied"
		if action == policy.ActionSendTest {
			msg = "Only admins can send test notifications"
		}
		return &RPCError{Code: CodePermissionDenied, Message: msg, Err: err}
	}
	if err != nil {
		return &RPCError{Code: CodeInternal, Message: "Authorization failed", Err: err}
	}
	return nil
}

package push

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// FCMMulticastLimit is the largest token batch accepted per multicast.
const FCMMulticastLimit = 500

// Reasons reported for failed tokens, matching the Admin SDK error codes.
const (
	ReasonNotRegistered    = "registration-token-not-registered"
	ReasonInvalidToken     = "invalid-registration-token"
	ReasonSenderIDMismatch = "mismatched-credential"
	ReasonQuotaExceeded    = "message-rate-exceeded"
	ReasonUnavailable      = "server-unavailable"
	ReasonInternal         = "internal-error"
	ReasonThirdPartyAuth   = "third-party-auth-error"
	ReasonUnauthenticated  = "unauthenticated"
	ReasonUnknown          = "unknown-error"
)

// ErrUnauthenticated is returned when every token in a batch was refused
// because the service account credentials were rejected.
var ErrUnauthenticated = errors.New("fcm: credentials rejected")

type FCMConfig struct {
	ProjectID string
	// CredentialsFile or CredentialsJSON select the service account. With
	// neither set, application default credentials are used.
	CredentialsFile string
	CredentialsJSON string
	RatePerSecond   float64
}

type FCMMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

type SendResponse struct {
	Token     string
	Success   bool
	MessageID string
	ErrorCode string
}

// BatchResponse mirrors the multicast response: one entry per token, in order.
type BatchResponse struct {
	SuccessCount int
	FailureCount int
	Responses    []SendResponse
}

type multicastAPI interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMClient sends through the Firebase Admin SDK. The SDK owns the OAuth2
// token source, so access tokens are refreshed as they expire.
type FCMClient struct {
	api      multicastAPI
	limiter  *rate.Limiter
	classify func(error) string
}

func NewFCMClient(ctx context.Context, cfg FCMConfig) (*FCMClient, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: init messaging: %w", err)
	}
	return newFCMClient(client, cfg.RatePerSecond, fcmReason), nil
}

func newFCMClient(api multicastAPI, perSecond float64, classify func(error) string) *FCMClient {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &FCMClient{
		api:      api,
		limiter:  rate.NewLimiter(limit, FCMMulticastLimit),
		classify: classify,
	}
}

// SendMulticast sends msg to every token. Per-token provider errors are
// reported in the response; an error return means the batch as a whole
// could not be attempted.
func (c *FCMClient) SendMulticast(ctx context.Context, msg FCMMessage, tokens []string) (*BatchResponse, error) {
	if len(tokens) > FCMMulticastLimit {
		return nil, fmt.Errorf("fcm: %d tokens exceeds multicast limit of %d", len(tokens), FCMMulticastLimit)
	}
	if len(tokens) == 0 {
		return &BatchResponse{}, nil
	}
	if err := c.limiter.WaitN(ctx, len(tokens)); err != nil {
		return nil, fmt.Errorf("fcm: multicast aborted: %w", err)
	}

	res, err := c.api.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Data:         msg.Data,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
	})
	if err != nil {
		return nil, fmt.Errorf("fcm: multicast: %w", err)
	}
	if len(res.Responses) != len(tokens) {
		return nil, fmt.Errorf("fcm: got %d responses for %d tokens", len(res.Responses), len(tokens))
	}

	out := &BatchResponse{Responses: make([]SendResponse, len(tokens))}
	unauthenticated := 0
	for i, r := range res.Responses {
		sr := SendResponse{Token: tokens[i]}
		if r != nil && r.Success {
			sr.Success = true
			sr.MessageID = r.MessageID
			out.SuccessCount++
		} else {
			var sendErr error
			if r != nil {
				sendErr = r.Error
			}
			sr.ErrorCode = c.classify(sendErr)
			if sr.ErrorCode == ReasonUnauthenticated {
				unauthenticated++
			}
			out.FailureCount++
		}
		out.Responses[i] = sr
	}
	if unauthenticated == len(tokens) {
		return nil, ErrUnauthenticated
	}
	return out, nil
}

func fcmReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case messaging.IsUnregistered(err):
		return ReasonNotRegistered
	case messaging.IsSenderIDMismatch(err):
		return ReasonSenderIDMismatch
	case messaging.IsQuotaExceeded(err):
		return ReasonQuotaExceeded
	case messaging.IsThirdPartyAuthError(err):
		return ReasonThirdPartyAuth
	case errorutils.IsUnauthenticated(err), errorutils.IsPermissionDenied(err):
		return ReasonUnauthenticated
	case errorutils.IsInvalidArgument(err):
		return ReasonInvalidToken
	case errorutils.IsUnavailable(err):
		return ReasonUnavailable
	case errorutils.IsInternal(err):
		return ReasonInternal
	}
	return ReasonUnknown
}

// IsPermanent reports whether a reason means the token will never succeed.
func IsPermanent(reason string) bool {
	return reason == ReasonNotRegistered || reason == ReasonInvalidToken
}

package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMulticast struct {
	send func(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

func (f *fakeMulticast) SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	return f.send(ctx, m)
}

var (
	errGone    = errors.New("gone")
	errBad     = errors.New("bad token")
	errBusy    = errors.New("busy")
	errExpired = errors.New("token expired")
)

func testReason(err error) string {
	switch err {
	case errGone:
		return ReasonNotRegistered
	case errBad:
		return ReasonInvalidToken
	case errBusy:
		return ReasonUnavailable
	case errExpired:
		return ReasonUnauthenticated
	}
	return ReasonUnknown
}

func TestFCMClient_SendMulticast(t *testing.T) {
	api := &fakeMulticast{send: func(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
		assert.Equal(t, "Hello", m.Notification.Title)
		assert.Equal(t, "World", m.Notification.Body)
		assert.Equal(t, "n1", m.Data["notificationId"])
		out := &messaging.BatchResponse{}
		for _, tok := range m.Tokens {
			switch tok {
			case "good":
				out.Responses = append(out.Responses, &messaging.SendResponse{Success: true, MessageID: "projects/demo/messages/1"})
			case "gone":
				out.Responses = append(out.Responses, &messaging.SendResponse{Error: errGone})
			case "bad":
				out.Responses = append(out.Responses, &messaging.SendResponse{Error: errBad})
			default:
				out.Responses = append(out.Responses, &messaging.SendResponse{Error: errBusy})
			}
		}
		return out, nil
	}}

	c := newFCMClient(api, 0, testReason)
	msg := FCMMessage{Title: "Hello", Body: "World", Data: map[string]string{"notificationId": "n1"}}
	resp, err := c.SendMulticast(context.Background(), msg, []string{"good", "gone", "bad", "busy"})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.SuccessCount)
	assert.Equal(t, 3, resp.FailureCount)
	require.Len(t, resp.Responses, 4)

	assert.True(t, resp.Responses[0].Success)
	assert.Equal(t, "projects/demo/messages/1", resp.Responses[0].MessageID)
	assert.Equal(t, "gone", resp.Responses[1].Token)
	assert.Equal(t, ReasonNotRegistered, resp.Responses[1].ErrorCode)
	assert.Equal(t, ReasonInvalidToken, resp.Responses[2].ErrorCode)
	assert.Equal(t, ReasonUnavailable, resp.Responses[3].ErrorCode)

	assert.True(t, IsPermanent(resp.Responses[1].ErrorCode))
	assert.True(t, IsPermanent(resp.Responses[2].ErrorCode))
	assert.False(t, IsPermanent(resp.Responses[3].ErrorCode))
}

func TestFCMClient_RejectedCredentialsFailBatch(t *testing.T) {
	api := &fakeMulticast{send: func(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
		out := &messaging.BatchResponse{FailureCount: len(m.Tokens)}
		for range m.Tokens {
			out.Responses = append(out.Responses, &messaging.SendResponse{Error: errExpired})
		}
		return out, nil
	}}

	c := newFCMClient(api, 0, testReason)
	_, err := c.SendMulticast(context.Background(), FCMMessage{}, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestFCMClient_RejectsOversizedBatch(t *testing.T) {
	var calls atomic.Int32
	api := &fakeMulticast{send: func(context.Context, *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
		calls.Add(1)
		return &messaging.BatchResponse{}, nil
	}}

	c := newFCMClient(api, 0, testReason)
	_, err := c.SendMulticast(context.Background(), FCMMessage{}, make([]string, FCMMulticastLimit+1))
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestFCMClient_CancelledContextFailsBatch(t *testing.T) {
	var calls atomic.Int32
	api := &fakeMulticast{send: func(context.Context, *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
		calls.Add(1)
		return &messaging.BatchResponse{}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newFCMClient(api, 1, testReason)
	_, err := c.SendMulticast(ctx, FCMMessage{}, []string{"a", "b"})
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestFCMReason_Default(t *testing.T) {
	assert.Equal(t, ReasonUnknown, fcmReason(nil))
	assert.Equal(t, ReasonUnknown, fcmReason(errors.New("boom")))
}

func TestExpoClient_Send(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "rejected", status: http.StatusBadRequest, wantErr: true},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var msgs []ExpoMessage
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&msgs))
				if assert.Len(t, msgs, 2) {
					assert.Equal(t, "ExponentPushToken[a]", msgs[0].To)
					assert.Equal(t, "n1", msgs[0].Data["notificationId"])
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"data":[]}`))
			}))
			defer srv.Close()

			c := NewExpoClient(ExpoConfig{Endpoint: srv.URL, HTTPClient: srv.Client()})
			err := c.Send(context.Background(), []ExpoMessage{
				{To: "ExponentPushToken[a]", Title: "t", Body: "b", Data: map[string]string{"notificationId": "n1"}},
				{To: "ExponentPushToken[b]", Title: "t", Body: "b"},
			})
			if tt.wantErr {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se.StatusCode)
				assert.True(t, strings.Contains(se.Error(), "unexpected status"))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExpoClient_EmptyIsNoop(t *testing.T) {
	c := NewExpoClient(ExpoConfig{Endpoint: "http://127.0.0.1:1"})
	assert.NoError(t, c.Send(context.Background(), nil))
}

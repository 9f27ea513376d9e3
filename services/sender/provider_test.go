package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smallbiznis-messaging/pkg/config"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", &ProviderError{Err: errors.New("connection reset")}, true},
		{"timeout", context.DeadlineExceeded, true},
		{"server_error", &ProviderError{StatusCode: 502}, true},
		{"rate_limited", &ProviderError{StatusCode: 429}, true},
		{"bad_request", &ProviderError{StatusCode: 400}, false},
		{"unauthorized", &ProviderError{StatusCode: 401}, false},
		{"wrapped_rejection", errors.Join(errors.New("send"), &ProviderError{StatusCode: 422}), false},
		{"unreadable_ok", &ProviderError{StatusCode: 200, Message: "unreadable response"}, false},
		{"redirect", &ProviderError{StatusCode: 302}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}

	require.True(t, IsRateLimited(&ProviderError{StatusCode: 429}))
	require.False(t, IsRateLimited(&ProviderError{StatusCode: 503}))

	require.True(t, IsUnconfirmed(&ProviderError{StatusCode: 202}))
	require.False(t, IsUnconfirmed(&ProviderError{StatusCode: 503}))
	require.False(t, IsUnconfirmed(&ProviderError{Err: errors.New("connection reset")}))
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("cmp-1", "rcp-1")
	require.Equal(t, a, IdempotencyKey("cmp-1", "rcp-1"))
	require.NotEqual(t, a, IdempotencyKey("cmp-1", "rcp-2"))
	require.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-5[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12}$`, a)
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.SMS.BaseURL = srv.URL + "/"
	cfg.SMS.APIKey = "key-1"
	cfg.SMS.Sender = "SHOP"
	cfg.SMS.RateLimit = 1000
	cfg.SMS.Timeout = 5 * time.Second
	return NewHTTPProvider(cfg)
}

func TestHTTPProviderSendBulk(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/bulk", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("X-API-Key"))

		var body struct {
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		require.Equal(t, "SHOP", body.Messages[0].Sender)

		_, _ = w.Write([]byte(`{"bulk_id":"b-1","messages":[
			{"external_id":"rcp-1","message_id":"m-1","accepted":true},
			{"external_id":"rcp-2","accepted":false,"error":"blacklisted"}]}`))
	})

	resp, err := p.SendBulk(context.Background(), []Message{
		{RecipientID: "rcp-1", Destination: "+301", Text: "hi"},
		{RecipientID: "rcp-2", Destination: "+302", Text: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "b-1", resp.BulkID)
	require.Len(t, resp.Results, 2)
	require.True(t, resp.Results[0].Sent)
	require.Equal(t, "m-1", resp.Results[0].MessageID)
	require.False(t, resp.Results[1].Sent)
	require.Equal(t, "blacklisted", resp.Results[1].Error)
}

func TestHTTPProviderErrors(t *testing.T) {
	t.Run("server_error", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := p.SendBulk(context.Background(), []Message{{RecipientID: "rcp-1"}})

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
		require.True(t, IsRetryable(err))
	})

	t.Run("rejected", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"invalid sender id"}`))
		})
		_, err := p.Send(context.Background(), Message{RecipientID: "rcp-1"})
		require.EqualError(t, err, "sms provider returned 400: invalid sender id")
		require.False(t, IsRetryable(err))
	})

	t.Run("unreadable_ok", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>gateway hiccup</html>`))
		})
		_, err := p.SendBulk(context.Background(), []Message{{RecipientID: "rcp-1"}})
		require.True(t, IsUnconfirmed(err))
		require.False(t, IsRetryable(err))
	})

	t.Run("accepted_without_id", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})
		_, err := p.Send(context.Background(), Message{RecipientID: "rcp-1"})
		require.True(t, IsUnconfirmed(err))
	})

	t.Run("unreachable", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})
		p.baseURL = "http://127.0.0.1:1"
		_, err := p.Send(context.Background(), Message{RecipientID: "rcp-1"})
		require.True(t, IsRetryable(err))
	})
}

func TestHTTPProviderSendUsesIdempotencyHeader(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "idem-1", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"message_id":"m-9"}`))
	})

	resp, err := p.Send(context.Background(), Message{RecipientID: "rcp-1", IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, "m-9", resp.MessageID)
}

func TestHTTPProviderDeliveryStatuses(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/status", r.URL.Path)
		require.Equal(t, "m-1,m-2", r.URL.Query().Get("ids"))
		_, _ = w.Write([]byte(`{"statuses":[{"message_id":"m-1","status":"Delivered"},{"message_id":"m-2","status":"Failed"}]}`))
	})

	statuses, err := p.DeliveryStatuses(context.Background(), []string{"m-1", "m-2"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"m-1": "Delivered", "m-2": "Failed"}, statuses)
}

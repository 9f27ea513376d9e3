package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/services/jobs"

	"golang.org/x/time/rate"
)

// HTTPProvider talks JSON to the SMS gateway and paces calls to the account
// throughput.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	sender  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPProvider(cfg *config.Config) *HTTPProvider {
	rps := cfg.SMS.RateLimit
	if rps <= 0 {
		rps = 50
	}
	timeout := cfg.SMS.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.SMS.BaseURL, "/"),
		apiKey:  cfg.SMS.APIKey,
		sender:  cfg.SMS.Sender,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func provideProvider(p *HTTPProvider) Provider {
	return p
}

type bulkRequest struct {
	Messages []Message `json:"messages"`
}

type bulkResponse struct {
	BulkID   string `json:"bulk_id"`
	Messages []struct {
		ExternalID string `json:"external_id"`
		MessageID  string `json:"message_id"`
		Accepted   bool   `json:"accepted"`
		Error      string `json:"error"`
	} `json:"messages"`
}

func (p *HTTPProvider) SendBulk(ctx context.Context, messages []Message) (*BulkResponse, error) {
	if err := p.wait(ctx, len(messages)); err != nil {
		return nil, &ProviderError{Err: err}
	}

	for i := range messages {
		if messages[i].Sender == "" {
			messages[i].Sender = p.sender
		}
	}

	var out bulkResponse
	if err := p.do(ctx, http.MethodPost, "/messages/bulk", bulkRequest{Messages: messages}, "", &out); err != nil {
		return nil, err
	}

	resp := &BulkResponse{BulkID: out.BulkID}
	for _, m := range out.Messages {
		resp.Results = append(resp.Results, jobs.ProviderResult{
			RecipientID: m.ExternalID,
			Sent:        m.Accepted && m.MessageID != "",
			MessageID:   m.MessageID,
			Error:       m.Error,
		})
	}
	return resp, nil
}

func (p *HTTPProvider) Send(ctx context.Context, message Message) (*SendResponse, error) {
	if err := p.wait(ctx, 1); err != nil {
		return nil, &ProviderError{Err: err}
	}
	if message.Sender == "" {
		message.Sender = p.sender
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := p.do(ctx, http.MethodPost, "/messages", message, message.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	if out.MessageID == "" {
		// accepted without an id cannot be tracked; never retry it
		return nil, &ProviderError{StatusCode: http.StatusOK, Message: "response without message_id"}
	}
	return &SendResponse{MessageID: out.MessageID}, nil
}

func (p *HTTPProvider) DeliveryStatuses(ctx context.Context, messageIDs []string) (map[string]string, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(messageIDs, ","))

	var out struct {
		Statuses []struct {
			MessageID string `json:"message_id"`
			Status    string `json:"status"`
		} `json:"statuses"`
	}
	if err := p.do(ctx, http.MethodGet, "/messages/status?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}

	statuses := make(map[string]string, len(out.Statuses))
	for _, s := range out.Statuses {
		statuses[s.MessageID] = s.Status
	}
	return statuses, nil
}

// wait blocks for n tokens, in chunks no larger than the limiter burst.
func (p *HTTPProvider) wait(ctx context.Context, n int) error {
	burst := p.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := p.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode provider request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// 2xx with an unreadable body: the call may have been accepted, so
		// IsUnconfirmed callers must not send again
		return &ProviderError{StatusCode: resp.StatusCode, Message: "unreadable response", Err: err}
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

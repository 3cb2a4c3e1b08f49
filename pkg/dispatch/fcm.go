package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roostlabs/roost/pkg/metrics"
)

// PushResult is the provider's answer for one message.
type PushResult struct {
	HTTPCode  int
	MessageID string
	Latency   time.Duration
}

// Pusher delivers a data message to a device push endpoint.
type Pusher interface {
	Push(ctx context.Context, fcmToken string, data map[string]string) (*PushResult, error)
}

type pushEnvelope struct {
	Message pushMessage `json:"message"`
}

type pushMessage struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data"`
	Android pushAndroid       `json:"android"`
}

type pushAndroid struct {
	Priority string `json:"priority"`
}

type pushResponse struct {
	Name string `json:"name"`
}

// FCMClient calls the upstream push provider over HTTP. A circuit
// breaker sheds calls fast while the provider is down instead of holding
// dispatch goroutines on timeouts.
type FCMClient struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewFCMClient creates a push client. timeout is clamped by config to
// the 5-10 s window.
func NewFCMClient(endpoint string, timeout time.Duration) *FCMClient {
	return &FCMClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "push-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Push implements Pusher. A 2xx with a message id is success; anything
// else, including transport errors and timeouts, is a failure the caller
// records. No retries happen here.
func (c *FCMClient) Push(ctx context.Context, fcmToken string, data map[string]string) (*PushResult, error) {
	timer := metrics.NewTimer()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doPush(ctx, fcmToken, data)
	})
	timer.ObserveDuration(metrics.PushProviderDuration)

	res, _ := out.(*PushResult)
	if res == nil {
		res = &PushResult{}
	}
	res.Latency = timer.Duration()
	if err != nil {
		return res, err
	}
	return res, nil
}

func (c *FCMClient) doPush(ctx context.Context, fcmToken string, data map[string]string) (*PushResult, error) {
	body, err := json.Marshal(pushEnvelope{
		Message: pushMessage{
			Token:   fcmToken,
			Data:    data,
			Android: pushAndroid{Priority: "high"},
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push provider call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	res := &PushResult{HTTPCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("push provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed pushResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return res, fmt.Errorf("push provider response malformed: %w", err)
	}
	res.MessageID = parsed.Name
	return res, nil
}

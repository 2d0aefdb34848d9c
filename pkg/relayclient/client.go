// Package relayclient is the HTTP client for the store-and-forward relay.
// It is the fallback path of the delivery pipeline: every call is safe to
// retry because the server keys everything by message id.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "deaddrop/internal/errors"
	"deaddrop/internal/models"
	"deaddrop/pkg/circuitbreaker"
)

// Client is the relay API surface consumed by the delivery pipeline. Enqueue
// takes only the message id, its creation timestamp and the encrypted
// payload; the relay never sees plaintext.
type Client interface {
	Enqueue(ctx context.Context, toUser, messageID string, createdAt int64, payload string) error
	Sync(ctx context.Context, userID string, since int64, wait bool) ([]models.QueueEntry, error)
	Ack(ctx context.Context, userID string, messageIDs []string) error
	Register(ctx context.Context, p *models.Presence) error
}

type relayClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewClient creates a relay client. The long-poll sync variant holds the
// request open for up to ~25s server-side, so the http.Client timeout must
// stay above that; nil picks a safe default.
func NewClient(baseURL string, httpClient *http.Client, logger *logrus.Logger) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &relayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		breaker: circuitbreaker.NewWithLogger("relay", 5, 30*time.Second, logger),
		logger:  logger,
	}
}

type enqueueRequest struct {
	ToUserID  string `json:"toUserId"`
	MessageID string `json:"messageId"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Payload   string `json:"payload"`
}

func (c *relayClient) Enqueue(ctx context.Context, toUser, messageID string, createdAt int64, payload string) error {
	body, err := json.Marshal(enqueueRequest{ToUserID: toUser, MessageID: messageID, CreatedAt: createdAt, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal enqueue request: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/queue/send", body, nil)
	})
}

func (c *relayClient) Sync(ctx context.Context, userID string, since int64, wait bool) ([]models.QueueEntry, error) {
	endpoint := fmt.Sprintf("%s/queue/sync/%s", c.baseURL, url.PathEscape(userID))

	params := url.Values{}
	if since > 0 {
		params.Set("since", strconv.FormatInt(since, 10))
	}
	if wait {
		params.Set("wait", "1")
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var entries []models.QueueEntry
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return apperrors.NewRelayError("/queue/sync", 0, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return apperrors.NewRelayError("/queue/sync", resp.StatusCode,
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return apperrors.NewRelayError("/queue/sync", resp.StatusCode,
				fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

type ackRequest struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

func (c *relayClient) Ack(ctx context.Context, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	body, err := json.Marshal(ackRequest{UserID: userID, MessageIDs: messageIDs})
	if err != nil {
		return fmt.Errorf("failed to marshal ack request: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/queue/ack", body, nil)
	})
}

func (c *relayClient) Register(ctx context.Context, p *models.Presence) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/register", body, nil)
	})
}

func (c *relayClient) post(ctx context.Context, path string, body []byte, out interface{}) error {
	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewRelayError(path, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for diagnostics, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.WithFields(logrus.Fields{
			"endpoint":    path,
			"status_code": resp.StatusCode,
			"body":        string(snippet),
		}).Debug("Relay call failed")
		return apperrors.NewRelayError(path, resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.NewRelayError(path, resp.StatusCode,
				fmt.Errorf("failed to decode response: %w", err))
		}
	}

	return nil
}

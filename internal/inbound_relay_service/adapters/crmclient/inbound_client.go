package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
)

const (
	inboundSMSPath       = "/internal/inbound-sms"
	defaultHeaderName    = "x-internal-secret"
	defaultClientTimeout = 8 * time.Second
	maxErrorBodyLen      = 200
)

// Config for the CRM internal endpoint. BaseURL and Secret are checked on every call; a missing
// value fails the delivery permanently.
type Config struct {
	BaseURL    string
	Secret     string
	HeaderName string
	Timeout    time.Duration
}

// InboundClient posts inbound SMS to the CRM internal inbound endpoint.
type InboundClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewInboundClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *InboundClient {
	if cfg.HeaderName == "" {
		cfg.HeaderName = defaultHeaderName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClientTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &InboundClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "crm_inbound_client"),
	}
}

type inboundSMSRequest struct {
	LocationID         string `json:"locationId"`
	DeviceID           string `json:"deviceId"`
	SMSID              string `json:"smsId"`
	Sender             string `json:"sender"`
	Message            string `json:"message"`
	ReceivedAtInMillis int64  `json:"receivedAtInMillis"`
	ConversationID     string `json:"conversationId,omitempty"`
	CorrelationID      string `json:"correlationId"`
}

// inboundSMSResponse accepts both {data: {...}} envelopes and bare results.
type inboundSMSResponse struct {
	Data *domain.InboundDeliveryResult `json:"data"`
	domain.InboundDeliveryResult
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *InboundClient) PostInboundSMS(ctx context.Context, payload domain.InboundSMSDelivery) (*domain.InboundDeliveryResult, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return nil, &domain.ConfigError{Key: "CRM_SERVICE_BASE_URL", Reason: "not set"}
	}
	if c.cfg.Secret == "" {
		return nil, &domain.ConfigError{Key: "CRM_INTERNAL_SECRET", Reason: "not set"}
	}

	body, err := json.Marshal(inboundSMSRequest{
		LocationID:         payload.LocationID,
		DeviceID:           payload.DeviceID,
		SMSID:              payload.SMSID,
		Sender:             payload.Sender,
		Message:            payload.Message,
		ReceivedAtInMillis: payload.ReceivedAtInMillis,
		ConversationID:     payload.ConversationID,
		CorrelationID:      payload.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inbound sms request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + inboundSMSPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ConfigError{Key: "CRM_SERVICE_BASE_URL", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.HeaderName, c.cfg.Secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &domain.TimeoutError{Op: "post inbound sms", Err: err}
		}
		return nil, &domain.UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, &domain.TimeoutError{Op: "read inbound sms response", Err: err}
		}
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Message: "read response body: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := upstreamErrorMessage(resp.StatusCode, respBody)
		c.logger.WarnContext(ctx, "CRM rejected inbound sms",
			"status_code", resp.StatusCode, "error", msg, "location_id", payload.LocationID, "sms_id", payload.SMSID)
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed inboundSMSResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Message: "invalid response from CRM: " + err.Error()}
	}
	result := parsed.InboundDeliveryResult
	if parsed.Data != nil {
		result = *parsed.Data
	}
	if result.ContactID == "" || result.ConversationID == "" {
		return nil, &domain.UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    "invalid response from CRM: missing contactId/conversationId",
		}
	}

	c.logger.DebugContext(ctx, "CRM accepted inbound sms",
		"location_id", payload.LocationID, "sms_id", payload.SMSID, "contact_id", result.ContactID)
	return &result, nil
}

func upstreamErrorMessage(status int, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	if len(body) > 0 && len(body) < maxErrorBodyLen {
		return fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return fmt.Sprintf("request failed with status code %d", status)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

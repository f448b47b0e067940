package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vultisig/phonevault/config"
)

// ErrSMSRejected marks a message Twilio refused outright; sending it again will not help.
var ErrSMSRejected = errors.New("sms rejected")

type SMSSender interface {
	SendSMS(ctx context.Context, to string, body string) (string, error)
}

type TwilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

type TwilioClient struct {
	baseURL      string
	accountSID   string
	authToken    string
	messagingSID string
	httpClient   *http.Client
}

func NewTwilioClient(cfg config.Config) *TwilioClient {
	return &TwilioClient{
		baseURL:      strings.TrimRight(cfg.Twilio.BaseURL, "/"),
		accountSID:   cfg.Twilio.AccountSID,
		authToken:    cfg.Twilio.AuthToken,
		messagingSID: cfg.Twilio.MessagingSID,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SendSMS queues body for delivery to the E.164 digits in to and returns the message sid.
func (c *TwilioClient) SendSMS(ctx context.Context, to string, body string) (string, error) {
	form := url.Values{}
	form.Set("To", "+"+strings.TrimPrefix(to, "+"))
	form.Set("MessagingServiceSid", c.messagingSID)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("fail to create request, err: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fail to send sms, err: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fail to read response, err: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr twilioError
		_ = json.Unmarshal(payload, &apiErr)
		err := fmt.Errorf("twilio returned %s: %d %s", resp.Status, apiErr.Code, apiErr.Message)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", ErrSMSRejected, err)
		}
		return "", err
	}

	var msg TwilioMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("fail to decode twilio message, err: %w", err)
	}
	if msg.ErrorCode != nil {
		return msg.SID, fmt.Errorf("%w: %d %s", ErrSMSRejected, *msg.ErrorCode, msg.ErrorMessage)
	}
	return msg.SID, nil
}

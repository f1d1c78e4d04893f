package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultMobizonBaseURL = "https://api.mobizon.kz"

type mobizonResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

// MobizonBackend sends SMS through the Mobizon HTTP API.
type MobizonBackend struct {
	APIKey     string
	Sender     string
	BaseURL    string
	DryRun     bool
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// NewMobizonBackend reads api_key, sender, base_url and dry_run. Without an
// API key the backend only runs in dry-run mode.
func NewMobizonBackend(args Args, logger logrus.FieldLogger) (*MobizonBackend, error) {
	dryRun, err := strconv.ParseBool(args.Get("dry_run", "false"))
	if err != nil {
		return nil, fmt.Errorf("mobizon dry_run: %w", err)
	}
	apiKey := args.Get("api_key", "")
	if apiKey == "" && !dryRun {
		return nil, errors.New("mobizon api_key is required unless dry_run is set")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MobizonBackend{
		APIKey:     apiKey,
		Sender:     args.Get("sender", ""),
		BaseURL:    strings.TrimRight(args.Get("base_url", defaultMobizonBaseURL), "/"),
		DryRun:     dryRun,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     logger,
	}, nil
}

func (b *MobizonBackend) Send(ctx context.Context, message Message, recipient string) error {
	if b.DryRun {
		// The text carries the code; only its size is logged.
		b.Logger.WithFields(logrus.Fields{
			"recipient": recipient,
			"sender":    b.Sender,
			"length":    len(message.Text),
		}).Info("mobizon dry-run: sms not sent")
		return nil
	}

	form := url.Values{
		"apiKey":    {b.APIKey},
		"recipient": {strings.TrimPrefix(recipient, "+")},
		"text":      {message.Text},
	}
	if b.Sender != "" {
		form.Set("from", b.Sender)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.BaseURL+"/service/message/sendsmsmessage", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := b.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("send sms request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read sms response: %w", err)
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("mobizon request failed with status %d", response.StatusCode)
	}

	var result mobizonResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse sms response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("mobizon returned error code %d: %s", result.Code, result.Message)
	}

	b.Logger.WithFields(logrus.Fields{
		"recipient":  recipient,
		"message_id": result.Data.MessageID,
	}).Debug("sms sent")
	return nil
}

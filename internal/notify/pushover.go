package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

const (
	DefaultPushoverURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// PushoverConfig holds the app token and destination user key.
type PushoverConfig struct {
	UserKey    string
	AppToken   string
	Title      string
	URL        string
	HTTPClient *http.Client
}

// pushoverResponse is the JSON response from the Pushover API.
type pushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Pushover sends the announcement as a push notification with the frame
// attached.
type Pushover struct {
	cfg PushoverConfig
}

func NewPushover(cfg PushoverConfig) *Pushover {
	if cfg.URL == "" {
		cfg.URL = DefaultPushoverURL
	}
	if cfg.Title == "" {
		cfg.Title = "runwatch"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pushover{cfg: cfg}
}

func (p *Pushover) Post(ctx context.Context, msg Message) error {
	if p.cfg.UserKey == "" || p.cfg.AppToken == "" {
		return apperrors.New(apperrors.CodeConfigMissing, "pushover not configured")
	}

	fields := map[string]string{
		"token":    p.cfg.AppToken,
		"user":     p.cfg.UserKey,
		"title":    truncate(p.cfg.Title, MaxTitleLen),
		"message":  truncate(msg.Text, MaxMessageLen),
		"priority": "0",
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "build pushover form")
		}
	}
	if len(msg.Image) > 0 {
		part, err := w.CreateFormFile("attachment", "frame.jpg")
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "build pushover form")
		}
		if _, err := part.Write(msg.Image); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "build pushover form")
		}
	}
	if err := w.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "build pushover form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, &buf)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "build pushover request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeNotifyFailed, "sending pushover notification")
	}
	defer resp.Body.Close()

	var result pushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return apperrors.Wrap(err, classify(resp.StatusCode), fmt.Sprintf("decoding pushover response (HTTP %d)", resp.StatusCode))
	}
	if result.Status != 1 {
		return apperrors.Newf(classify(resp.StatusCode), "pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

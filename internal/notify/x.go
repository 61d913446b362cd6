package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

const (
	DefaultXUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	DefaultXTweetURL  = "https://api.twitter.com/2/tweets"
)

// XConfig holds user-context OAuth 1.0a credentials.
type XConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
	UploadURL      string
	TweetURL       string
	HTTPClient     *http.Client
}

// XClient posts a tweet, uploading the frame as media first when present.
type XClient struct {
	http      *http.Client
	uploadURL string
	tweetURL  string
}

// NewXClient signs every request with the configured credentials.
func NewXClient(cfg XConfig) *XClient {
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultXUploadURL
	}
	if cfg.TweetURL == "" {
		cfg.TweetURL = DefaultXTweetURL
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, base)
	client := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret).
		Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret))
	client.Timeout = base.Timeout
	return &XClient{http: client, uploadURL: cfg.UploadURL, tweetURL: cfg.TweetURL}
}

type mediaUploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *XClient) Post(ctx context.Context, msg Message) error {
	ctx, span := trace.StartSpan(ctx, "notify.x")
	defer span.End()

	req := tweetRequest{Text: msg.Text}
	if len(msg.Image) > 0 {
		id, err := c.upload(ctx, msg.Image)
		if err != nil {
			return err
		}
		req.Media = &tweetMedia{MediaIDs: []string{id}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encode tweet")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tweetURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "build tweet request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out tweetResponse
	if err := c.do(httpReq, &out); err != nil {
		return err
	}
	span.SetAttr("tweet_id", out.Data.ID)
	trace.Logger(ctx).Info("tweet posted", "tweet_id", out.Data.ID)
	return nil
}

func (c *XClient) upload(ctx context.Context, image []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("media", "frame.jpg")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build media upload")
	}
	if _, err := part.Write(image); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build media upload")
	}
	if err := w.Close(); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build media upload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build media upload")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out mediaUploadResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", apperrors.New(apperrors.CodeNotifyFailed, "media upload returned no id")
	}
	return out.MediaIDString, nil
}

func (c *XClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeNotifyFailed, "x request").WithMetadata("url", req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.Newf(classify(resp.StatusCode), "x returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))).
			WithMetadata("url", req.URL.Path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.CodeNotifyFailed, "decode x response")
	}
	return nil
}

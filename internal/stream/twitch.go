package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

const (
	DefaultAPIBase  = "https://api.twitch.tv"
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

// TwitchConfig configures the Helix client.
type TwitchConfig struct {
	ClientID      string
	ClientSecret  string
	Channel       string
	RatePerMinute int
	APIBase       string
	TokenURL      string
	// HTTPClient is the transport used for both token and API calls.
	HTTPClient *http.Client
}

// TwitchClient queries Helix with an app access token obtained through the
// client credentials grant. Tokens are cached and refreshed by oauth2.
type TwitchClient struct {
	cfg     TwitchConfig
	http    *http.Client
	limiter *rate.Limiter
}

type helixStream struct {
	ID          string    `json:"id"`
	UserLogin   string    `json:"user_login"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

type helixStreamsResponse struct {
	Data []helixStream `json:"data"`
}

// NewTwitchClient builds a client for cfg.Channel.
func NewTwitchClient(cfg TwitchConfig) *TwitchClient {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(tokenCtx)
	client.Timeout = base.Timeout

	perSecond := rate.Limit(float64(cfg.RatePerMinute) / 60)
	return &TwitchClient{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(perSecond, 1),
	}
}

// Status implements StatusSource.
func (c *TwitchClient) Status(ctx context.Context) (Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Status{}, apperrors.Wrap(err, apperrors.CodeRateLimited, "twitch rate limiter")
	}

	ctx, span := trace.StartSpan(ctx, "twitch.streams")
	defer span.End()

	q := url.Values{"user_login": {strings.ToLower(c.cfg.Channel)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase+"/helix/streams?"+q.Encode(), nil)
	if err != nil {
		return Status{}, apperrors.Wrap(err, apperrors.CodeInternal, "build helix request")
	}
	req.Header.Set("Client-Id", c.cfg.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, apperrors.Wrap(err, apperrors.CodeTimeout, "helix streams")
		}
		return Status{}, apperrors.Wrap(err, apperrors.CodeStreamAPIFailed, "helix streams")
	}
	defer resp.Body.Close()
	span.SetAttr("status", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := apperrors.CodeStreamAPIFailed
		if resp.StatusCode == http.StatusTooManyRequests {
			code = apperrors.CodeRateLimited
		}
		return Status{}, apperrors.Newf(code, "helix streams returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))).
			WithMetadata("channel", c.cfg.Channel).
			WithRetryAfter(resetIn(resp.Header.Get("Ratelimit-Reset"), time.Now()))
	}

	var out helixStreamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, apperrors.Wrap(err, apperrors.CodeStreamAPIFailed, "decode helix streams")
	}
	return toStatus(out.Data), nil
}

func toStatus(data []helixStream) Status {
	for _, s := range data {
		if s.Type != "" && s.Type != "live" {
			continue
		}
		return Status{
			Live:        true,
			Category:    s.GameName,
			BroadcastID: s.ID,
			Title:       s.Title,
			StartedAt:   s.StartedAt,
			Viewers:     s.ViewerCount,
		}
	}
	return Status{}
}

func (c *TwitchClient) String() string {
	return fmt.Sprintf("twitch(%s)", c.cfg.Channel)
}

// resetIn converts Helix's Ratelimit-Reset (unix seconds) into a wait.
func resetIn(header string, now time.Time) time.Duration {
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return 0
	}
	return time.Unix(secs, 0).Sub(now)
}

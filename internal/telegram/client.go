// Package telegram is the transport boundary: it posts form-encoded
// (or multipart, when an attachment rides along) requests to the Bot
// API and owns the per-task retry/backoff policy.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"whisper/internal/task"
)

const defaultBaseURL = "https://api.telegram.org"

var ErrNoChatID = errors.New("telegram: no chat found in getUpdates; provide a chat id")

type Config struct {
	Token      string
	BaseURL    string // self-hosted Bot API server; default api.telegram.org
	MaxRetries int
	RetryBase  time.Duration
	RatePerSec int
}

// Client performs single-task submissions. Submit never panics: every
// failure mode is folded into the returned error once the attempt
// budget is spent.
type Client struct {
	http    *http.Client
	log     zerolog.Logger
	limiter *rate.Limiter

	baseURL    string
	token      string
	maxRetries int
	retryBase  time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is the backoff delay; tests swap it for a recorder.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 3 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		http:       &http.Client{Timeout: 10 * time.Second},
		log:        log,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		baseURL:    base,
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
	}
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// ResolveChatID discovers the target chat from the bot's pending
// updates. Used at startup when the caller did not configure one;
// failure here is fatal to engine construction.
func (c *Client) ResolveChatID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL("getUpdates"), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("getUpdates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("getUpdates: status %d", resp.StatusCode)
	}

	var out struct {
		OK     bool `json:"ok"`
		Result []struct {
			Message struct {
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("getUpdates: decode: %w", err)
	}
	if !out.OK || len(out.Result) == 0 {
		return "", ErrNoChatID
	}
	return strconv.FormatInt(out.Result[0].Message.Chat.ID, 10), nil
}

// Submit posts t, retrying with exponential backoff on any non-2xx
// status or transport error. The delay before attempt n (n>=2) is
// retryBase * 2^(n-2) scaled by a uniform jitter in [0.5, 1.5].
func (c *Client) Submit(ctx context.Context, t *task.Task) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.post(ctx, t)
		if err == nil {
			if attempt > 1 {
				c.log.Info().Str("task", t.ID).Str("endpoint", t.Endpoint).Int("attempt", attempt).Msg("submit recovered after retry")
			}
			return nil
		}
		lastErr = err
		c.log.Warn().Str("task", t.ID).Str("endpoint", t.Endpoint).Int("attempt", attempt).Int("max", c.maxRetries).Err(err).Msg("submit attempt failed")
	}
	return fmt.Errorf("submit %s: %d attempts exhausted: %w", t.Endpoint, c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, t *task.Task) error {
	var (
		body        io.Reader
		contentType string
	)
	if t.Attachment != nil {
		// Rebuild the multipart body per attempt so the attachment
		// bytes are replayed from the start.
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for k, v := range t.Fields {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
		part, err := filePart(mw, t.Attachment)
		if err != nil {
			return err
		}
		if _, err := part.Write(t.Attachment.Data); err != nil {
			return err
		}
		if err := mw.Close(); err != nil {
			return err
		}
		body = buf
		contentType = mw.FormDataContentType()
	} else {
		form := url.Values{}
		for k, v := range t.Fields {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(t.Endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s: status %d: %s", t.Endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func filePart(mw *multipart.Writer, att *task.Attachment) (io.Writer, error) {
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, att.Field, att.FileName))
	h.Set("Content-Type", att.MIME)
	return mw.CreatePart(h)
}

func (c *Client) endpointURL(endpoint string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, endpoint)
}

// backoff computes the pre-attempt delay for attempt n (n>=2).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	c.rngMu.Lock()
	jitter := 0.5 + c.rng.Float64()
	c.rngMu.Unlock()
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

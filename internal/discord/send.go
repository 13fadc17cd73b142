package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	logx "drippost/pkg/logx"
)

// Outcome classifies one send attempt. Workers turn outcomes into scheduling
// decisions; nothing here stops a worker by itself.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeFatalAuth       Outcome = "fatal_auth"       // 401: credential dead
	OutcomeFatalPermission Outcome = "fatal_permission" // 403: this target only
	OutcomeFatalUnexpected Outcome = "fatal_unexpected" // 400/404/405
	OutcomeError           Outcome = "error"            // transient / unclassified
)

// Fatal reports whether the outcome is terminal for the worker.
func (o Outcome) Fatal() bool {
	switch o {
	case OutcomeFatalAuth, OutcomeFatalPermission, OutcomeFatalUnexpected:
		return true
	}
	return false
}

// maxDetailLen bounds the error detail carried into notifications.
const maxDetailLen = 200

type SendRequest struct {
	Token     string
	ChannelID string
	GuildID   string
	Content   string
}

type SendResult struct {
	Outcome Outcome
	Status  int

	// RetryAfter is the server-provided pause for rate-limited results.
	RetryAfter time.Duration
	// Global marks a credential-wide rate limit (not just this route/channel).
	Global bool

	// Detail carries a truncated error description for unexpected failures.
	Detail string
}

const defaultBaseURL = "https://discord.com/api/v10"

// Client performs message-create calls against the remote platform.
// The HTTP session is supplied per call so pooled, per-egress-route sessions
// can be shared across many workers.
type Client struct {
	BaseURL string
	log     logx.Logger
}

func NewClient(log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{BaseURL: defaultBaseURL, log: log}
}

// CreateMessage posts one message and classifies the response.
// Transport errors surface as OutcomeError with a zero status; callers
// schedule off the outcome.
func (c *Client) CreateMessage(ctx context.Context, httpc *http.Client, fp *Fingerprint, req SendRequest) SendResult {
	payload := map[string]any{
		"content": req.Content,
		"nonce":   fp.Nonce(),
		"tts":     false,
		"flags":   0,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Outcome: OutcomeError}
	}

	url := c.BaseURL + "/channels/" + req.ChannelID + "/messages"
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{Outcome: OutcomeError}
	}
	for k, v := range fp.Headers(req.Token, req.ChannelID, req.GuildID) {
		hr.Header.Set(k, v)
	}

	resp, err := httpc.Do(hr)
	if err != nil {
		c.log.Debug("send transport error", logx.String("channel", req.ChannelID), logx.Err(err))
		return SendResult{Outcome: OutcomeError}
	}
	defer resp.Body.Close()

	return classify(resp)
}

func classify(resp *http.Response) SendResult {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return SendResult{Outcome: OutcomeOK, Status: status}

	case status == http.StatusTooManyRequests:
		retryAfter, global := parseRateLimit(resp)
		return SendResult{Outcome: OutcomeRateLimited, Status: status, RetryAfter: retryAfter, Global: global}

	case status == http.StatusUnauthorized:
		return SendResult{Outcome: OutcomeFatalAuth, Status: status}

	case status == http.StatusForbidden:
		return SendResult{Outcome: OutcomeFatalPermission, Status: status}

	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusMethodNotAllowed:
		return SendResult{Outcome: OutcomeFatalUnexpected, Status: status, Detail: readDetail(resp)}

	case status >= 500:
		return SendResult{Outcome: OutcomeError, Status: status}

	default:
		return SendResult{Outcome: OutcomeError, Status: status}
	}
}

// parseRateLimit reads retry timing from the structured body when present,
// falling back to headers.
func parseRateLimit(resp *http.Response) (time.Duration, bool) {
	retryAfter := time.Second
	global := false

	var body struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second)), body.Global
	}

	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil && secs > 0 {
			retryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	if h := resp.Header.Get("X-RateLimit-Global"); h != "" {
		global = strings.EqualFold(h, "true")
	}
	return retryAfter, global
}

// readDetail extracts a short, human-readable error description.
func readDetail(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := ""

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		if m, ok := body["message"].(string); ok && m != "" {
			detail = m
		} else if c, ok := body["code"]; ok {
			detail = "code " + strings.TrimSpace(jsonNumber(c))
		} else if len(body) > 0 {
			if b, err := json.Marshal(body); err == nil {
				detail = string(b)
			}
		}
	}
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	return Truncate(detail, maxDetailLen)
}

func jsonNumber(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Truncate caps s at maxN bytes, appending an ellipsis when cut.
func Truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 4 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

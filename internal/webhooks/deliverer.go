// Package webhooks signs and delivers change payloads to project webhook
// targets, with scheduled retries and a per-target delivery log.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"backlog/api/internal/config"
	"backlog/api/internal/history"
	"backlog/api/internal/queue"
	"backlog/api/internal/store"
)

// TaskDeliver is the queue task name for one delivery attempt.
const TaskDeliver = "webhook.deliver"

const (
	signatureHeader = "X-TAIGA-WEBHOOK-SIGNATURE"
	userAgent       = "Taiga-Webhooks/1"

	// maxLoggedBody caps request/response bodies stored in the delivery log.
	maxLoggedBody = 64 << 10

	// maxRetryAfter caps how far a Retry-After header can push the next attempt.
	maxRetryAfter = time.Hour
)

// Payload is the JSON body posted to a target.
type Payload struct {
	Action string           `json:"action"`
	Type   string           `json:"type"`
	By     Actor            `json:"by"`
	Date   time.Time        `json:"date"`
	Data   history.Snapshot `json:"data"`
	Change *Change          `json:"change,omitempty"`
}

type Actor struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

// Change carries the accumulated diff and comments for change payloads.
type Change struct {
	Diff     history.Diff `json:"diff"`
	Comments []string     `json:"comment,omitempty"`
}

// DeliveryTask is the queue payload for TaskDeliver. Attempt counts completed
// tries, so 0 is the initial delivery.
type DeliveryTask struct {
	TargetID  string          `json:"target_id"`
	Body      json.RawMessage `json:"body"`
	Attempt   int             `json:"attempt"`
	DedupeKey string          `json:"dedupe_key"`
}

// Store is the slice of the persistence layer the deliverer needs.
type Store interface {
	GetWebhookTarget(ctx context.Context, id string) (store.WebhookTarget, error)
	GetWebhookLog(ctx context.Context, id int64) (store.WebhookLog, error)
	InsertWebhookLog(ctx context.Context, l *store.WebhookLog, retention int) error
}

type Deliverer struct {
	store         Store
	queue         *queue.Queue
	client        *http.Client
	resolve       resolverFunc
	retrySchedule []time.Duration
	allowPrivate  bool
	retention     int
	now           func() time.Time
}

func NewDeliverer(st Store, q *queue.Queue, cfg config.Config) *Deliverer {
	client := &http.Client{Timeout: cfg.WebhookTimeout}
	if !cfg.WebhookAllowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Deliverer{
		store:         st,
		queue:         q,
		client:        client,
		resolve:       defaultResolve,
		retrySchedule: cfg.WebhookRetrySchedule,
		allowPrivate:  cfg.WebhookAllowPrivateAddress,
		retention:     cfg.WebhookLogRetention,
		now:           time.Now,
	}
}

// Sign returns the hex HMAC-SHA1 of body under the target's secret key.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Enqueue schedules the first delivery attempt of payload to a target.
func (d *Deliverer) Enqueue(ctx context.Context, targetID string, payload Payload, dedupeKey string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	task := DeliveryTask{TargetID: targetID, Body: body, DedupeKey: dedupeKey}
	return d.queue.Enqueue(ctx, TaskDeliver, task, d.now(), dedupeKey)
}

// Handle is the queue handler for TaskDeliver. Failed retryable attempts
// re-enqueue themselves on the retry schedule, so Handle itself only errors
// when the task cannot be decoded.
func (d *Deliverer) Handle(ctx context.Context, raw json.RawMessage) error {
	var task DeliveryTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode delivery task: %w", err)
	}
	target, err := d.store.GetWebhookTarget(ctx, task.TargetID)
	if errors.Is(err, store.ErrNotFound) {
		// Target removed while the delivery was queued.
		return nil
	}
	if err != nil {
		return err
	}

	res, err := d.attempt(ctx, target, task.Body)
	if err != nil {
		return err
	}
	if !res.retryable {
		return nil
	}
	if task.Attempt >= len(d.retrySchedule) {
		log.Printf("webhook %s: giving up after %d attempts (last status %d)",
			target.ID, task.Attempt+1, res.log.StatusCode)
		return nil
	}
	delay := d.retrySchedule[task.Attempt]
	if res.retryAfter > 0 {
		delay = res.retryAfter
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
	}
	next := task
	next.Attempt++
	dedupe := fmt.Sprintf("%s:retry%d", task.DedupeKey, next.Attempt)
	return d.queue.Enqueue(ctx, TaskDeliver, next, d.now().Add(delay), dedupe)
}

// SendTest posts a synthetic payload to the target so its configuration can
// be verified, and returns the resulting log entry.
func (d *Deliverer) SendTest(ctx context.Context, targetID string) (*store.WebhookLog, error) {
	target, err := d.store.GetWebhookTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	payload := Payload{
		Action: "test",
		Type:   "test",
		Date:   d.now().UTC(),
		Data:   history.Snapshot{"test": true},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode test payload: %w", err)
	}
	res, err := d.attempt(ctx, target, body)
	if err != nil {
		return nil, err
	}
	return res.log, nil
}

// Resend re-delivers the request body of a logged attempt to its target.
func (d *Deliverer) Resend(ctx context.Context, logID int64) (*store.WebhookLog, error) {
	prev, err := d.store.GetWebhookLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	target, err := d.store.GetWebhookTarget(ctx, prev.TargetID)
	if err != nil {
		return nil, err
	}
	res, err := d.attempt(ctx, target, []byte(prev.RequestBody))
	if err != nil {
		return nil, err
	}
	return res.log, nil
}

type attemptResult struct {
	log        *store.WebhookLog
	retryable  bool
	retryAfter time.Duration
}

// attempt performs one HTTP POST and records it in the delivery log. The
// returned error reflects only internal failures; network and HTTP failures
// are captured in the log and the retryable flag.
func (d *Deliverer) attempt(ctx context.Context, target store.WebhookTarget, body []byte) (attemptResult, error) {
	lg := &store.WebhookLog{
		TargetID:    target.ID,
		URL:         target.URL,
		RequestBody: truncate(string(body)),
		RequestHeaders: map[string]string{
			"Content-Type":  "application/json",
			"User-Agent":    userAgent,
			signatureHeader: "<redacted>",
		},
	}

	if err := d.checkTarget(ctx, target.URL); err != nil {
		lg.ResponseBody = err.Error()
		if insErr := d.store.InsertWebhookLog(ctx, lg, d.retention); insErr != nil {
			return attemptResult{}, insErr
		}
		// A blocked or malformed URL will not get better on retry.
		return attemptResult{log: lg}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(signatureHeader, Sign(target.SecretKey, body))

	start := d.now()
	resp, err := d.client.Do(req)
	lg.DurationMS = time.Since(start).Milliseconds()

	res := attemptResult{log: lg}
	if err != nil {
		lg.ResponseBody = err.Error()
		res.retryable = true
	} else {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody+1))
		lg.StatusCode = resp.StatusCode
		lg.ResponseBody = truncate(string(respBody))
		lg.ResponseHeaders = flattenHeaders(resp.Header)
		res.retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if res.retryable {
			res.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), d.now())
		}
	}
	if insErr := d.store.InsertWebhookLog(ctx, lg, d.retention); insErr != nil {
		return attemptResult{}, insErr
	}
	return res, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// parseRetryAfter accepts both the delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody]
	}
	return s
}

// Package webhook pushes answers to the consumer's callback URL.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"relay-backend/envelope"
	"relay-backend/metrics"
	"relay-backend/models"
	"relay-backend/utils"
)

const (
	MaxAttempts = 3

	HeaderSignature = "X-Relay-Signature"
	HeaderEvent     = "X-Relay-Event"
	HeaderRequestID = "X-Relay-Request-Id"
	HeaderDelivery  = "X-Relay-Delivery"

	EventResponded = "request.responded"
)

type MessageRef struct {
	ID         string `json:"id"`
	SenderRole string `json:"sender_role"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Signature  string `json:"signature"`
}

type Payload struct {
	Event           string      `json:"event"`
	RequestID       string      `json:"request_id"`
	ReferenceCode   string      `json:"reference_code"`
	Status          string      `json:"status"`
	AnswerEncrypted string      `json:"answer_encrypted,omitempty"`
	AnswerChannel   string      `json:"answer_channel"`
	Message         *MessageRef `json:"message,omitempty"`
	RespondedAt     *time.Time  `json:"responded_at,omitempty"`
}

// BuildPayload describes the answer on req. A legacy response and a
// plaintext message answer are sealed to the consumer's encryption key; an
// encrypted message answer is forwarded as is. When the consumer key is not
// RSA the answer travels as it was stored.
func BuildPayload(req *models.Request, msg *models.Message) Payload {
	p := Payload{
		Event:         EventResponded,
		RequestID:     req.ID,
		ReferenceCode: req.ReferenceCode,
		Status:        string(req.Status),
		AnswerChannel: req.AnswerChannel,
		RespondedAt:   req.RespondedAt,
	}
	if msg != nil {
		p.AnswerChannel = models.AnswerViaMessages
		p.Message = &MessageRef{
			ID:         msg.ID,
			SenderRole: string(msg.SenderRole),
			Ciphertext: msg.Ciphertext,
			IV:         msg.IV,
			AuthTag:    msg.AuthTag,
			Signature:  msg.Signature,
		}
		if msg.IsPlaintext() {
			text, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
			if err == nil {
				if sealed, ok := sealAnswer(req, string(text)); ok {
					p.AnswerEncrypted = sealed
					p.Message.Ciphertext = ""
				}
			}
		}
	}
	if req.Response != nil && *req.Response != "" {
		if sealed, ok := sealAnswer(req, *req.Response); ok {
			p.AnswerEncrypted = sealed
		}
	}
	return p
}

func sealAnswer(req *models.Request, text string) (string, bool) {
	sealed, err := envelope.SealString(text, req.ConsumerEncryptionKey)
	if err != nil {
		log.Warnw("webhook answer not sealed", "request_id", req.ID, "error", err)
		return "", false
	}
	return sealed, true
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return "sha256=" + hex.EncodeToString(m.Sum(nil))
}

// Verify checks a signature header against body.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Recorder persists the outcome of each attempt.
type Recorder interface {
	RecordWebhookAttempt(ctx context.Context, id string, attempts int, delivered bool, lastError string) error
}

type Deliverer struct {
	recorder Recorder
	client   *fasthttp.Client
	timeout  time.Duration
	backoff  []time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	wg       sync.WaitGroup
}

func NewDeliverer(recorder Recorder, timeout time.Duration, backoff []time.Duration) *Deliverer {
	return &Deliverer{
		recorder: recorder,
		client: &fasthttp.Client{
			Name: "relay-webhook/1",
		},
		timeout: timeout,
		backoff: backoff,
		sleep:   sleepCtx,
	}
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

func (d *Deliverer) delay(attempt int) time.Duration {
	if len(d.backoff) == 0 {
		return 0
	}
	if attempt-2 < len(d.backoff) {
		return d.backoff[attempt-2]
	}
	return d.backoff[len(d.backoff)-1]
}

// Deliver posts the answer on req to its callback URL, retrying up to
// MaxAttempts times. It never returns an error; the result and the last
// failure are recorded on the request.
func (d *Deliverer) Deliver(ctx context.Context, req *models.Request, msg *models.Message) bool {
	if req.WebhookURL == "" {
		return false
	}
	body, err := json.Marshal(BuildPayload(req, msg))
	if err != nil {
		log.Errorw("webhook payload", "request_id", req.ID, "error", err)
		return false
	}
	signature := Sign(req.WebhookSecret, body)

	var lastErr string
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, d.delay(attempt)); err != nil {
				lastErr = "delivery cancelled: " + err.Error()
				d.record(req.ID, attempt-1, false, lastErr)
				break
			}
		}

		err := d.post(req, body, signature)
		if err == nil {
			d.record(req.ID, attempt, true, "")
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			log.Infow("webhook delivered", "request_id", req.ID, "attempt", attempt)
			return true
		}
		lastErr = utils.Redact(err.Error())
		d.record(req.ID, attempt, false, lastErr)
		log.Warnw("webhook attempt failed", "request_id", req.ID, "attempt", attempt, "error", lastErr)
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	log.Errorw("webhook delivery gave up", "request_id", req.ID, "error", lastErr)
	return false
}

func (d *Deliverer) post(req *models.Request, body []byte, signature string) error {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(req.WebhookURL)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set(HeaderSignature, signature)
	httpReq.Header.Set(HeaderEvent, EventResponded)
	httpReq.Header.Set(HeaderRequestID, req.ID)
	httpReq.Header.Set(HeaderDelivery, uuid.NewString())
	httpReq.SetBody(body)

	start := time.Now()
	err := d.client.DoTimeout(httpReq, httpResp, d.timeout)
	metrics.WebhookAttemptDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if code := httpResp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("callback returned status %d", code)
	}
	return nil
}

func (d *Deliverer) record(id string, attempts int, delivered bool, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.recorder.RecordWebhookAttempt(ctx, id, attempts, delivered, lastError); err != nil {
		log.Warnw("record webhook attempt", "request_id", id, "error", err)
	}
}

// DeliverAsync runs Deliver on its own goroutine, off the caller's path.
func (d *Deliverer) DeliverAsync(req *models.Request, msg *models.Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(context.Background(), req, msg)
	}()
}

// Wait blocks until background deliveries finish.
func (d *Deliverer) Wait() {
	d.wg.Wait()
}

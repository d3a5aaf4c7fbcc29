package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-backend/envelope"
	"relay-backend/models"
)

type attempt struct {
	n         int
	delivered bool
	lastError string
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []attempt
}

func (f *fakeRecorder) RecordWebhookAttempt(_ context.Context, _ string, n int, delivered bool, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt{n, delivered, lastError})
	return nil
}

func newTestDeliverer(rec Recorder) *Deliverer {
	d := NewDeliverer(rec, 2*time.Second, []time.Duration{time.Second, 2 * time.Second})
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func responded(t *testing.T, url string) (*models.Request, *envelope.Keypair) {
	t.Helper()
	kp, err := envelope.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := kp.PublicPEM()
	if err != nil {
		t.Fatal(err)
	}
	answer := "use the blue cable"
	now := time.Now().UTC()
	return &models.Request{
		ID:                    "req-1",
		ReferenceCode:         "REQ-ABC234",
		Status:                models.StatusResponded,
		ConsumerEncryptionKey: pub,
		Response:              &answer,
		AnswerChannel:         models.AnswerViaResponseField,
		WebhookURL:            url,
		WebhookSecret:         "whsec_test",
		RespondedAt:           &now,
	}, kp
}

func TestDeliverSignedPayload(t *testing.T) {
	var (
		gotBody []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	req, kp := responded(t, srv.URL)
	if ok := newTestDeliverer(rec).Deliver(context.Background(), req, nil); !ok {
		t.Fatal("Deliver() = false")
	}

	if !Verify("whsec_test", gotBody, headers.Get(HeaderSignature)) {
		t.Errorf("signature %q does not verify", headers.Get(HeaderSignature))
	}
	if headers.Get(HeaderEvent) != EventResponded || headers.Get(HeaderRequestID) != "req-1" {
		t.Errorf("event headers = %v", headers)
	}
	if headers.Get(HeaderDelivery) == "" {
		t.Error("delivery id header missing")
	}

	var p Payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatal(err)
	}
	if p.ReferenceCode != "REQ-ABC234" || p.Status != "responded" || p.AnswerChannel != models.AnswerViaResponseField {
		t.Errorf("payload = %+v", p)
	}
	plain, err := envelope.Open(p.AnswerEncrypted, kp.Private)
	if err != nil {
		t.Fatalf("answer does not open with consumer key: %v", err)
	}
	if string(plain) != "use the blue cable" {
		t.Errorf("answer = %q", plain)
	}

	if len(rec.attempts) != 1 || !rec.attempts[0].delivered || rec.attempts[0].n != 1 {
		t.Errorf("recorded = %+v", rec.attempts)
	}
}

func TestDeliverRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	req, _ := responded(t, srv.URL)
	if ok := newTestDeliverer(rec).Deliver(context.Background(), req, nil); !ok {
		t.Fatal("Deliver() = false on third attempt success")
	}
	if len(rec.attempts) != 3 {
		t.Fatalf("recorded %d attempts, want 3", len(rec.attempts))
	}
	if rec.attempts[0].lastError == "" || rec.attempts[0].delivered {
		t.Errorf("first attempt = %+v", rec.attempts[0])
	}
	if last := rec.attempts[2]; !last.delivered || last.n != 3 {
		t.Errorf("last attempt = %+v", last)
	}
}

func TestDeliverGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	req, _ := responded(t, srv.URL)
	d := newTestDeliverer(rec)
	d.DeliverAsync(req, nil)
	d.Wait()

	if atomic.LoadInt32(&calls) != MaxAttempts {
		t.Errorf("callback hit %d times, want %d", calls, MaxAttempts)
	}
	last := rec.attempts[len(rec.attempts)-1]
	if last.delivered || last.n != MaxAttempts || last.lastError != "callback returned status 500" {
		t.Errorf("last attempt = %+v", last)
	}
}

func TestBuildPayloadSealsPlaintextMessage(t *testing.T) {
	req, kp := responded(t, "")
	req.Response = nil
	priv, err := kp.PrivatePEM()
	if err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{
		ID:         "m2",
		SenderRole: models.RoleProvider,
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("the secret answer")),
		IV:         models.PlaintextIV,
		AuthTag:    models.PlaintextAuthTag,
		Signature:  models.PlaintextSignature,
	}

	p := BuildPayload(req, msg)
	if p.Message == nil || p.Message.Ciphertext != "" || p.Message.IV != models.PlaintextIV {
		t.Fatalf("message ref = %+v, want cleartext dropped", p.Message)
	}
	got, err := envelope.OpenString(p.AnswerEncrypted, priv)
	if err != nil || got != "the secret answer" {
		t.Errorf("opened answer = %q, %v", got, err)
	}

	// consumer key that is not RSA: the stored form is forwarded
	req.ConsumerEncryptionKey = "not-a-pem"
	p = BuildPayload(req, msg)
	if p.AnswerEncrypted != "" || p.Message.Ciphertext != msg.Ciphertext {
		t.Errorf("fallback payload = %+v", p)
	}
}

func TestBuildPayloadMessage(t *testing.T) {
	req := &models.Request{ID: "req-2", ReferenceCode: "REQ-XYZ789", Status: models.StatusResponded}
	msg := &models.Message{ID: "m1", SenderRole: models.RoleProvider, Ciphertext: "Y3Q=", IV: "aXY=", AuthTag: "dGFn", Signature: "c2ln"}
	p := BuildPayload(req, msg)
	if p.AnswerChannel != models.AnswerViaMessages || p.Message == nil || p.Message.Ciphertext != "Y3Q=" {
		t.Errorf("payload = %+v", p)
	}
	if p.AnswerEncrypted != "" {
		t.Errorf("AnswerEncrypted = %q, want empty", p.AnswerEncrypted)
	}
}

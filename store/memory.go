package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay-backend/models"
)

// Memory keeps everything in process maps. It honours the same uniqueness
// and conditional-update rules as the database.
type Memory struct {
	mu sync.RWMutex

	accounts    map[string]*models.Account
	profiles    map[string]*models.Profile
	keys        map[string]*models.ApiKey
	requests    map[string]*models.Request
	messages    map[string]*models.Message // by idempotency key
	ipEvents    map[string]*models.IpEvent // by owner|ip
	idempotency map[string]*models.IdempotencyKey

	nextIpID  uint
	nextIdemp uint
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[string]*models.Account),
		profiles:    make(map[string]*models.Profile),
		keys:        make(map[string]*models.ApiKey),
		requests:    make(map[string]*models.Request),
		messages:    make(map[string]*models.Message),
		ipEvents:    make(map[string]*models.IpEvent),
		idempotency: make(map[string]*models.IdempotencyKey),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Requests

func (m *Memory) CreateRequest(ctx context.Context, req *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, ok := m.requests[req.ID]; ok {
		return ErrDuplicate
	}
	for _, r := range m.requests {
		if r.ReferenceCode == req.ReferenceCode {
			return ErrDuplicate
		}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *Memory) ReferenceCodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.ReferenceCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetRequestByReference(ctx context.Context, code string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.ReferenceCode == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListRequestsByApiKey(ctx context.Context, apiKeyID string, limit int) ([]models.Request, error) {
	return m.listRequests(limit, func(r *models.Request) bool { return r.ApiKeyID == apiKeyID })
}

func (m *Memory) ListRequestsForProvider(ctx context.Context, accountID, profileID string, statuses []models.RequestStatus, limit int) ([]models.Request, error) {
	return m.listRequests(limit, func(r *models.Request) bool {
		if r.AccountID != accountID {
			return false
		}
		if r.ProfileID != nil && *r.ProfileID != profileID {
			return false
		}
		return len(statuses) == 0 || containsStatus(statuses, r.Status)
	})
}

func (m *Memory) listRequests(limit int, match func(*models.Request) bool) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Request, 0)
	for _, r := range m.requests {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionRequest(ctx context.Context, id string, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return false, nil
	}
	if !containsStatus(t.From, r.Status) {
		return false, nil
	}
	if t.RequireNoProviderKeys && r.ProviderEncryptionKey != "" {
		return false, nil
	}

	next := *r
	if t.To != "" {
		next.Status = t.To
	}
	if err := applyRequestFields(&next, t.Fields); err != nil {
		return false, err
	}
	m.requests[next.ID] = &next
	return true, nil
}

func (m *Memory) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.requests {
		if r.Status == models.StatusPending && now.After(r.ExpiresAt) {
			r.Status = models.StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordWebhookAttempt(ctx context.Context, id string, attempts int, delivered bool, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.WebhookAttempts = attempts
	r.WebhookDelivered = delivered
	r.WebhookLastError = lastError
	return nil
}

func applyRequestFields(r *models.Request, fields map[string]any) error {
	for col, v := range fields {
		switch col {
		case "provider_signing_key":
			r.ProviderSigningKey = v.(string)
		case "provider_encryption_key":
			r.ProviderEncryptionKey = v.(string)
		case "response":
			s := v.(string)
			r.Response = &s
		case "answer_channel":
			r.AnswerChannel = v.(string)
		case "responded_at":
			t := v.(time.Time)
			r.RespondedAt = &t
		case "closed_at":
			t := v.(time.Time)
			r.ClosedAt = &t
		default:
			return fmt.Errorf("memory store: unsupported request column %q", col)
		}
	}
	return nil
}

func containsStatus(list []models.RequestStatus, s models.RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Messages

func (m *Memory) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.IdempotencyKey]; ok {
		return false, nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages[msg.IdempotencyKey] = &cp
	return true, nil
}

func (m *Memory) GetMessageByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) ListMessages(ctx context.Context, requestID string, after time.Time, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Message, 0)
	for _, msg := range m.messages {
		if msg.RequestID == requestID && msg.CreatedAt.After(after) {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Accounts, profiles and keys

func (m *Memory) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	for _, a := range m.accounts {
		if a.Email == account.Email {
			return ErrDuplicate
		}
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *Memory) CreateProfile(ctx context.Context, profile *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	for _, p := range m.profiles {
		if p.Handle == profile.Handle {
			return ErrDuplicate
		}
	}
	if profile.Channel == "" {
		profile.Channel = models.ChannelWeb
	}
	cp := *profile
	m.profiles[profile.ID] = &cp
	return nil
}

func (m *Memory) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	for _, k := range m.keys {
		if k.Key == key.Key {
			return ErrDuplicate
		}
	}
	now := time.Now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *Memory) GetApiKey(ctx context.Context, id string) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *Memory) FindApiKeyBySecret(ctx context.Context, secret string) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.Key == secret {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindApiKeyByPreviousHash(ctx context.Context, hash string, now time.Time) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.PreviousKeyHash != "" && k.PreviousKeyHash == hash &&
			k.PreviousKeyExpiresAt != nil && now.Before(*k.PreviousKeyExpiresAt) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListApiKeys(ctx context.Context, accountID string) ([]models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ApiKey, 0)
	for _, k := range m.keys {
		if k.AccountID == accountID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateApiKey(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	next := *k
	for col, v := range fields {
		switch col {
		case "key":
			next.Key = v.(string)
		case "name":
			next.Name = v.(string)
		case "active":
			next.Active = v.(bool)
		case "scope":
			next.Scope = toScope(v)
		case "rate_limit":
			next.RateLimit = v.(int)
		case "previous_key_hash":
			next.PreviousKeyHash = v.(string)
		case "previous_key_expires_at":
			t := v.(time.Time)
			next.PreviousKeyExpiresAt = &t
		case "rotated_at":
			t := v.(time.Time)
			next.RotatedAt = &t
		case "device_secret_hash":
			next.DeviceSecretHash = v.(string)
		case "machine_id":
			next.MachineID = v.(string)
		default:
			return fmt.Errorf("memory store: unsupported api key column %q", col)
		}
	}
	if next.Key != k.Key {
		for otherID, other := range m.keys {
			if otherID != id && other.Key == next.Key {
				return ErrDuplicate
			}
		}
	}
	next.UpdatedAt = time.Now()
	m.keys[next.ID] = &next
	return nil
}

func toScope(v any) models.Scope {
	if s, ok := v.(models.Scope); ok {
		return s
	}
	return models.Scope(v.(string))
}

func (m *Memory) BindMachineID(ctx context.Context, id, machineID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return false, ErrNotFound
	}
	if k.MachineID != "" {
		return false, nil
	}
	k.MachineID = machineID
	return true, nil
}

func (m *Memory) TouchApiKey(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

// IP events

func ipKey(ownerID, ip string) string { return ownerID + "|" + ip }

func (m *Memory) GetIpEvent(ctx context.Context, ownerID, ip string) (*models.IpEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.ipEvents[ipKey(ownerID, ip)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) RecordFirstSeenIp(ctx context.Context, ev *models.IpEvent) (*models.IpEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ipKey(ev.OwnerID, ev.IP)
	if cur, ok := m.ipEvents[k]; ok {
		cp := *cur
		return &cp, false, nil
	}
	ev.Status, ev.Attempts = models.IpAllowed, 0
	for _, other := range m.ipEvents {
		if other.OwnerID == ev.OwnerID {
			ev.Status, ev.Attempts = models.IpPending, 1
			break
		}
	}
	m.nextIpID++
	ev.ID = m.nextIpID
	cp := *ev
	m.ipEvents[k] = &cp
	return ev, true, nil
}

func (m *Memory) CreateIpEvent(ctx context.Context, ev *models.IpEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ipKey(ev.OwnerID, ev.IP)
	if _, ok := m.ipEvents[k]; ok {
		return ErrDuplicate
	}
	m.nextIpID++
	ev.ID = m.nextIpID
	cp := *ev
	m.ipEvents[k] = &cp
	return nil
}

func (m *Memory) IncrementIpAttempts(ctx context.Context, ownerID, ip string, threshold int, at time.Time) (*models.IpEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.ipEvents[ipKey(ownerID, ip)]
	if !ok {
		return nil, ErrNotFound
	}
	ev.Attempts++
	ev.LastSeenAt = at
	if ev.Status == models.IpPending && ev.Attempts >= threshold {
		ev.Status = models.IpBlacklisted
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) TouchIpEvent(ctx context.Context, ownerID, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.ipEvents[ipKey(ownerID, ip)]; ok {
		ev.LastSeenAt = at
	}
	return nil
}

func (m *Memory) SetIpStatus(ctx context.Context, ownerID, ip string, status models.IpStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.ipEvents[ipKey(ownerID, ip)]
	if !ok {
		return ErrNotFound
	}
	ev.Status = status
	if status == models.IpAllowed {
		ev.Attempts = 0
	}
	return nil
}

func (m *Memory) ListIpEvents(ctx context.Context, ownerID string) ([]models.IpEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IpEvent, 0)
	for _, ev := range m.ipEvents {
		if ev.OwnerID == ownerID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Idempotency

func (m *Memory) BeginIdempotent(ctx context.Context, rec *models.IdempotencyKey) (*models.IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rec.ApiKeyID + "|" + rec.Key
	if existing, ok := m.idempotency[k]; ok {
		cp := *existing
		return &cp, nil
	}
	m.nextIdemp++
	rec.ID = m.nextIdemp
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.idempotency[k] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) CompleteIdempotent(ctx context.Context, apiKeyID, key string, status int, body []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[apiKeyID+"|"+key]
	if !ok {
		return ErrNotFound
	}
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.CompletedAt = &at
	return nil
}

func (m *Memory) AbandonIdempotent(ctx context.Context, apiKeyID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := apiKeyID + "|" + key
	if rec, ok := m.idempotency[k]; ok && rec.ResponseStatus == 0 {
		delete(m.idempotency, k)
	}
	return nil
}

var _ Store = (*Memory)(nil)

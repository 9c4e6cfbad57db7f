package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a map-backed Store for single-process deployments and
// tests. State lives in one process only: it is not safe to run multiple
// server instances against separate MemoryStores, since each instance
// would see a different credential set. Use the SQL or Redis backend for
// anything multi-instance.
type MemoryStore struct {
	mu sync.Mutex

	auths     map[string]*DeviceAuthorization // device code -> record
	userCodes map[string]string               // normalized user code -> device code

	tokens   map[string]*DeviceToken // access token -> record
	refresh  map[string]string       // refresh token -> access token

	keys     map[string]*APIKey // key id -> record
	keyIndex map[string]string  // full key value -> key id

	usage map[usageKey]*UsageRecord
}

type usageKey struct {
	userID      string
	meterID     string
	periodStart int64 // unix seconds
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auths:     make(map[string]*DeviceAuthorization),
		userCodes: make(map[string]string),
		tokens:    make(map[string]*DeviceToken),
		refresh:   make(map[string]string),
		keys:      make(map[string]*APIKey),
		keyIndex:  make(map[string]string),
		usage:     make(map[usageKey]*UsageRecord),
	}
}

func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *auth
	s.auths[cp.DeviceCode] = &cp
	s.userCodes[cp.UserCode] = cp.DeviceCode
	return nil
}

func (s *MemoryStore) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAuth(s.auths[deviceCode]), nil
}

func (s *MemoryStore) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, nil
	}
	return copyAuth(s.auths[deviceCode]), nil
}

func (s *MemoryStore) SetDeviceAuthorizationStatus(ctx context.Context, userCode string, status AuthorizationStatus, userID string) (*DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, nil
	}
	auth, ok := s.auths[deviceCode]
	if !ok || auth.Status != StatusPending {
		return nil, nil
	}

	auth.Status = status
	auth.UserID = userID
	return copyAuth(auth), nil
}

func (s *MemoryStore) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string, status AuthorizationStatus) (*DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[deviceCode]
	if !ok || auth.Status != status {
		return nil, nil
	}

	delete(s.auths, deviceCode)
	delete(s.userCodes, auth.UserCode)
	return copyAuth(auth), nil
}

func (s *MemoryStore) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[deviceCode]
	if !ok {
		return nil
	}
	delete(s.auths, deviceCode)
	delete(s.userCodes, auth.UserCode)
	return nil
}

func (s *MemoryStore) SaveDeviceToken(ctx context.Context, token *DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[cp.Token] = &cp
	s.refresh[cp.RefreshToken] = cp.Token
	return nil
}

func (s *MemoryStore) GetDeviceToken(ctx context.Context, token string) (*DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyToken(s.tokens[token]), nil
}

func (s *MemoryStore) GetDeviceTokenByRefresh(ctx context.Context, refreshToken string) (*DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.refresh[refreshToken]
	if !ok {
		return nil, nil
	}
	return copyToken(s.tokens[accessToken]), nil
}

func (s *MemoryStore) TouchDeviceToken(ctx context.Context, token string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[token]; ok {
		t.LastUsed = when
	}
	return nil
}

func (s *MemoryStore) RotateDeviceToken(ctx context.Context, oldRefresh string, next *DeviceToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.refresh[oldRefresh]
	if !ok {
		return false, nil
	}

	delete(s.tokens, accessToken)
	delete(s.refresh, oldRefresh)

	cp := *next
	s.tokens[cp.Token] = &cp
	s.refresh[cp.RefreshToken] = cp.Token
	return true, nil
}

func (s *MemoryStore) SaveAPIKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keys[cp.ID] = &cp
	s.keyIndex[cp.Key] = cp.ID
	return nil
}

func (s *MemoryStore) GetAPIKeyByKey(ctx context.Context, key string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keyIndex[key]
	if !ok {
		return nil, nil
	}
	return copyKey(s.keys[id]), nil
}

func (s *MemoryStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyKey(s.keys[id]), nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) TouchAPIKey(ctx context.Context, id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		k.LastUsed = when
	}
	return nil
}

func (s *MemoryStore) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil
	}
	delete(s.keys, id)
	delete(s.keyIndex, k.Key)
	return nil
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, userID, meterID string, amount int64, periodStart, periodEnd time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{userID: userID, meterID: meterID, periodStart: periodStart.Unix()}
	rec, ok := s.usage[key]
	if !ok {
		rec = &UsageRecord{
			UserID:      userID,
			MeterID:     meterID,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
		}
		s.usage[key] = rec
	}
	rec.Count += amount
	return rec.Count, nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, userID, meterID string, periodStart time.Time) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[usageKey{userID: userID, meterID: meterID, periodStart: periodStart.Unix()}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListUsage(ctx context.Context, userID string, periodStart time.Time) ([]*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*UsageRecord
	for key, rec := range s.usage {
		if key.userID == userID && key.periodStart == periodStart.Unix() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MeterID < out[j].MeterID
	})
	return out, nil
}

func (s *MemoryStore) ResetUsageBefore(ctx context.Context, meterID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.usage {
		if key.meterID == meterID && key.periodStart < cutoff.Unix() {
			delete(s.usage, key)
		}
	}
	return nil
}

func copyAuth(a *DeviceAuthorization) *DeviceAuthorization {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func copyToken(t *DeviceToken) *DeviceToken {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyKey(k *APIKey) *APIKey {
	if k == nil {
		return nil
	}
	cp := *k
	if k.ExpiresAt != nil {
		exp := *k.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	authPrefix     = "auth:"
	userCodePrefix = "usercode:"
	tokenPrefix    = "dtoken:"
	refreshPrefix  = "drefresh:"
	keyPrefix      = "apikey:"
	keyValPrefix   = "apikeyval:"
	userKeysPrefix = "userkeys:"
	usagePrefix    = "usage:"
)

// RedisStore implements Store on Redis. Records are JSON values with
// TTLs derived from their expiry; secondary keys index user codes,
// refresh tokens, and key ids. Conditional operations use WATCH so a
// lost race surfaces as a miss rather than a double win.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error {
	ttl := time.Until(auth.ExpiresAt)
	if ttl <= 0 {
		return errors.New("authorization has already expired")
	}

	data, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("marshaling device authorization: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, authPrefix+auth.DeviceCode, data, ttl)
	pipe.Set(ctx, userCodePrefix+auth.UserCode, auth.DeviceCode, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving device authorization: %w", err)
	}
	return nil
}

func (s *RedisStore) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	data, err := s.client.Get(ctx, authPrefix+deviceCode).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device authorization: %w", err)
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("unmarshaling device authorization: %w", err)
	}
	return &auth, nil
}

func (s *RedisStore) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	deviceCode, err := s.client.Get(ctx, userCodePrefix+userCode).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user code reference: %w", err)
	}
	return s.GetDeviceAuthorization(ctx, deviceCode)
}

func (s *RedisStore) SetDeviceAuthorizationStatus(ctx context.Context, userCode string, status AuthorizationStatus, userID string) (*DeviceAuthorization, error) {
	deviceCode, err := s.client.Get(ctx, userCodePrefix+userCode).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user code reference: %w", err)
	}

	key := authPrefix + deviceCode
	var out *DeviceAuthorization
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var auth DeviceAuthorization
		if err := json.Unmarshal(data, &auth); err != nil {
			return err
		}
		if auth.Status != StatusPending {
			return nil
		}

		auth.Status = status
		auth.UserID = userID
		updated, err := json.Marshal(&auth)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = &auth
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating device authorization status: %w", err)
	}
	return out, nil
}

func (s *RedisStore) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string, status AuthorizationStatus) (*DeviceAuthorization, error) {
	key := authPrefix + deviceCode
	var out *DeviceAuthorization
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var auth DeviceAuthorization
		if err := json.Unmarshal(data, &auth); err != nil {
			return err
		}
		if auth.Status != status {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Del(ctx, userCodePrefix+auth.UserCode)
			return nil
		})
		if err != nil {
			return err
		}
		out = &auth
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race; the winner already consumed the record.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming device authorization: %w", err)
	}
	return out, nil
}

func (s *RedisStore) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	auth, err := s.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		return err
	}
	if auth == nil {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, authPrefix+deviceCode)
	pipe.Del(ctx, userCodePrefix+auth.UserCode)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting device authorization: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveDeviceToken(ctx context.Context, token *DeviceToken) error {
	ttl := time.Until(token.RefreshExpiresAt)
	if ttl <= 0 {
		return errors.New("token has already expired")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling device token: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, tokenPrefix+token.Token, data, ttl)
	pipe.Set(ctx, refreshPrefix+token.RefreshToken, token.Token, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving device token: %w", err)
	}
	return nil
}

func (s *RedisStore) GetDeviceToken(ctx context.Context, token string) (*DeviceToken, error) {
	data, err := s.client.Get(ctx, tokenPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device token: %w", err)
	}

	var out DeviceToken
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling device token: %w", err)
	}
	return &out, nil
}

func (s *RedisStore) GetDeviceTokenByRefresh(ctx context.Context, refreshToken string) (*DeviceToken, error) {
	accessToken, err := s.client.Get(ctx, refreshPrefix+refreshToken).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting refresh token reference: %w", err)
	}
	return s.GetDeviceToken(ctx, accessToken)
}

func (s *RedisStore) TouchDeviceToken(ctx context.Context, token string, when time.Time) error {
	rec, err := s.GetDeviceToken(ctx, token)
	if err != nil || rec == nil {
		return err
	}

	rec.LastUsed = when
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling device token: %w", err)
	}
	if err := s.client.Set(ctx, tokenPrefix+token, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("touching device token: %w", err)
	}
	return nil
}

func (s *RedisStore) RotateDeviceToken(ctx context.Context, oldRefresh string, next *DeviceToken) (bool, error) {
	refreshKey := refreshPrefix + oldRefresh
	rotated := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		accessToken, err := tx.Get(ctx, refreshKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		ttl := time.Until(next.RefreshExpiresAt)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, tokenPrefix+accessToken)
			pipe.Del(ctx, refreshKey)
			pipe.Set(ctx, tokenPrefix+next.Token, data, ttl)
			pipe.Set(ctx, refreshPrefix+next.RefreshToken, next.Token, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		rotated = true
		return nil
	}, refreshKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rotating device token: %w", err)
	}
	return rotated, nil
}

func (s *RedisStore) SaveAPIKey(ctx context.Context, key *APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshaling api key: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyPrefix+key.ID, data, 0)
	pipe.Set(ctx, keyValPrefix+key.Key, key.ID, 0)
	pipe.SAdd(ctx, userKeysPrefix+key.UserID, key.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving api key: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAPIKeyByKey(ctx context.Context, key string) (*APIKey, error) {
	id, err := s.client.Get(ctx, keyValPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting api key reference: %w", err)
	}
	return s.GetAPIKey(ctx, id)
}

func (s *RedisStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting api key: %w", err)
	}

	var key APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("unmarshaling api key: %w", err)
	}
	return &key, nil
}

func (s *RedisStore) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	ids, err := s.client.SMembers(ctx, userKeysPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("listing api key ids: %w", err)
	}

	out := make([]*APIKey, 0, len(ids))
	for _, id := range ids {
		key, err := s.GetAPIKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if key == nil {
			// Stale index entry; the key itself was deleted.
			continue
		}
		out = append(out, key)
	}
	sortKeysNewestFirst(out)
	return out, nil
}

func (s *RedisStore) TouchAPIKey(ctx context.Context, id string, when time.Time) error {
	key, err := s.GetAPIKey(ctx, id)
	if err != nil || key == nil {
		return err
	}

	key.LastUsed = when
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshaling api key: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+id, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAPIKey(ctx context.Context, id string) error {
	key, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if key == nil {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, keyPrefix+id)
	pipe.Del(ctx, keyValPrefix+key.Key)
	pipe.SRem(ctx, userKeysPrefix+key.UserID, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	return nil
}

func usageKeyFor(userID, meterID string, periodStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", usagePrefix, userID, meterID, periodStart.Unix())
}

func (s *RedisStore) IncrementUsage(ctx context.Context, userID, meterID string, amount int64, periodStart, periodEnd time.Time) (int64, error) {
	key := usageKeyFor(userID, meterID, periodStart)

	// HINCRBY is the atomic insert-or-add; the remaining fields are
	// write-once metadata for readers.
	pipe := s.client.Pipeline()
	incr := pipe.HIncrBy(ctx, key, "count", amount)
	pipe.HSetNX(ctx, key, "period_end", periodEnd.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing usage: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) GetUsage(ctx context.Context, userID, meterID string, periodStart time.Time) (*UsageRecord, error) {
	return s.readUsage(ctx, usageKeyFor(userID, meterID, periodStart), userID, meterID, periodStart)
}

func (s *RedisStore) readUsage(ctx context.Context, key, userID, meterID string, periodStart time.Time) (*UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	endUnix, _ := strconv.ParseInt(fields["period_end"], 10, 64)
	return &UsageRecord{
		UserID:      userID,
		MeterID:     meterID,
		Count:       count,
		PeriodStart: periodStart,
		PeriodEnd:   time.Unix(endUnix, 0).UTC(),
	}, nil
}

func (s *RedisStore) ListUsage(ctx context.Context, userID string, periodStart time.Time) ([]*UsageRecord, error) {
	pattern := fmt.Sprintf("%s%s:*:%d", usagePrefix, userID, periodStart.Unix())
	var out []*UsageRecord

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		meterID, ok := meterFromUsageKey(key, userID)
		if !ok {
			continue
		}
		rec, err := s.readUsage(ctx, key, userID, meterID, periodStart)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning usage keys: %w", err)
	}
	sortUsageByMeter(out)
	return out, nil
}

func (s *RedisStore) ResetUsageBefore(ctx context.Context, meterID string, cutoff time.Time) error {
	pattern := fmt.Sprintf("%s*:%s:*", usagePrefix, meterID)

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			continue
		}
		start, err := strconv.ParseInt(key[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		if start < cutoff.Unix() {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("deleting usage key: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning usage keys: %w", err)
	}
	return nil
}

// meterFromUsageKey extracts the meter id from "usage:<user>:<meter>:<start>".
func meterFromUsageKey(key, userID string) (string, bool) {
	rest := strings.TrimPrefix(key, usagePrefix+userID+":")
	if rest == key {
		return "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

func sortKeysNewestFirst(keys []*APIKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}

func sortUsageByMeter(recs []*UsageRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].MeterID < recs[j].MeterID
	})
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore is a relational Store on top of gorm. It is the durable
// backend: all conditional operations run inside transactions so that
// concurrent consumers and rotators cannot both win.
type SQLStore struct {
	db *gorm.DB
}

// Table rows. Kept separate from the exported record types so column
// tags and schema concerns stay out of the domain model.

type deviceAuthorizationRow struct {
	DeviceCode string `gorm:"primaryKey;size:128"`
	UserCode   string `gorm:"uniqueIndex;size:16"`
	Status     string `gorm:"size:16"`
	UserID     string `gorm:"size:64"`
	ClientID   string `gorm:"size:64"`
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

func (deviceAuthorizationRow) TableName() string { return "device_authorizations" }

type deviceTokenRow struct {
	Token            string `gorm:"primaryKey;size:128"`
	RefreshToken     string `gorm:"uniqueIndex;size:128"`
	UserID           string `gorm:"index;size:64"`
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	LastUsed         time.Time
	CreatedAt        time.Time
}

func (deviceTokenRow) TableName() string { return "device_tokens" }

type apiKeyRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Key         string `gorm:"uniqueIndex;size:128"`
	Prefix      string `gorm:"size:16"`
	UserID      string `gorm:"index;size:64"`
	Name        string `gorm:"size:255"`
	Permissions string `gorm:"size:255"`
	ExpiresAt   *time.Time
	LastUsed    time.Time
	CreatedAt   time.Time
}

func (apiKeyRow) TableName() string { return "api_keys" }

type usageRow struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	UserID      string    `gorm:"uniqueIndex:idx_usage_key;size:64"`
	MeterID     string    `gorm:"uniqueIndex:idx_usage_key;size:64"`
	PeriodStart time.Time `gorm:"uniqueIndex:idx_usage_key"`
	PeriodEnd   time.Time
	Count       int64
}

func (usageRow) TableName() string { return "usage_records" }

// NewSQLStore wraps a gorm connection and creates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(
		&deviceAuthorizationRow{},
		&deviceTokenRow{},
		&apiKeyRow{},
		&usageRow{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CheckHealth(ctx context.Context) error {
	sqlDB, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error {
	row := deviceAuthorizationRow{
		DeviceCode: auth.DeviceCode,
		UserCode:   auth.UserCode,
		Status:     string(auth.Status),
		UserID:     auth.UserID,
		ClientID:   auth.ClientID,
		ExpiresAt:  auth.ExpiresAt,
		CreatedAt:  auth.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	var row deviceAuthorizationRow
	err := s.db.WithContext(ctx).Where("device_code = ?", deviceCode).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device authorization: %w", err)
	}
	return authFromRow(&row), nil
}

func (s *SQLStore) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	var row deviceAuthorizationRow
	err := s.db.WithContext(ctx).Where("user_code = ?", userCode).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device authorization by user code: %w", err)
	}
	return authFromRow(&row), nil
}

func (s *SQLStore) SetDeviceAuthorizationStatus(ctx context.Context, userCode string, status AuthorizationStatus, userID string) (*DeviceAuthorization, error) {
	var out *DeviceAuthorization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&deviceAuthorizationRow{}).
			Where("user_code = ? AND status = ?", userCode, string(StatusPending)).
			Updates(map[string]interface{}{"status": string(status), "user_id": userID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var row deviceAuthorizationRow
		if err := tx.Where("user_code = ?", userCode).First(&row).Error; err != nil {
			return err
		}
		out = authFromRow(&row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating device authorization status: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string, status AuthorizationStatus) (*DeviceAuthorization, error) {
	var out *DeviceAuthorization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row deviceAuthorizationRow
		err := tx.Where("device_code = ?", deviceCode).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		// The delete is conditional on status so two concurrent pollers
		// cannot both consume the same authorization.
		res := tx.Where("device_code = ? AND status = ?", deviceCode, string(status)).
			Delete(&deviceAuthorizationRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		out = authFromRow(&row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consuming device authorization: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	return s.db.WithContext(ctx).
		Where("device_code = ?", deviceCode).
		Delete(&deviceAuthorizationRow{}).Error
}

func (s *SQLStore) SaveDeviceToken(ctx context.Context, token *DeviceToken) error {
	return s.db.WithContext(ctx).Create(tokenToRow(token)).Error
}

func (s *SQLStore) GetDeviceToken(ctx context.Context, token string) (*DeviceToken, error) {
	var row deviceTokenRow
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device token: %w", err)
	}
	return tokenFromRow(&row), nil
}

func (s *SQLStore) GetDeviceTokenByRefresh(ctx context.Context, refreshToken string) (*DeviceToken, error) {
	var row deviceTokenRow
	err := s.db.WithContext(ctx).Where("refresh_token = ?", refreshToken).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device token by refresh: %w", err)
	}
	return tokenFromRow(&row), nil
}

func (s *SQLStore) TouchDeviceToken(ctx context.Context, token string, when time.Time) error {
	return s.db.WithContext(ctx).Model(&deviceTokenRow{}).
		Where("token = ?", token).
		Update("last_used", when).Error
}

func (s *SQLStore) RotateDeviceToken(ctx context.Context, oldRefresh string, next *DeviceToken) (bool, error) {
	rotated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Keyed on the old refresh token: a concurrent rotation that got
		// here first already removed the row, and this one loses.
		res := tx.Where("refresh_token = ?", oldRefresh).Delete(&deviceTokenRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(tokenToRow(next)).Error; err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rotating device token: %w", err)
	}
	return rotated, nil
}

func (s *SQLStore) SaveAPIKey(ctx context.Context, key *APIKey) error {
	return s.db.WithContext(ctx).Create(keyToRow(key)).Error
}

func (s *SQLStore) GetAPIKeyByKey(ctx context.Context, key string) (*APIKey, error) {
	var row apiKeyRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting api key: %w", err)
	}
	return keyFromRow(&row), nil
}

func (s *SQLStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var row apiKeyRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting api key: %w", err)
	}
	return keyFromRow(&row), nil
}

func (s *SQLStore) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	var rows []apiKeyRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	out := make([]*APIKey, 0, len(rows))
	for i := range rows {
		out = append(out, keyFromRow(&rows[i]))
	}
	return out, nil
}

func (s *SQLStore) TouchAPIKey(ctx context.Context, id string, when time.Time) error {
	return s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ?", id).
		Update("last_used", when).Error
}

func (s *SQLStore) DeleteAPIKey(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&apiKeyRow{}).Error
}

func (s *SQLStore) IncrementUsage(ctx context.Context, userID, meterID string, amount int64, periodStart, periodEnd time.Time) (int64, error) {
	// Single atomic upsert: insert-or-add on the (user, meter, period)
	// unique key, never read-then-write.
	row := usageRow{
		UserID:      userID,
		MeterID:     meterID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Count:       amount,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "meter_id"}, {Name: "period_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count": gorm.Expr("count + ?", amount),
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("incrementing usage: %w", err)
	}

	rec, err := s.GetUsage(ctx, userID, meterID, periodStart)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("usage record missing after increment")
	}
	return rec.Count, nil
}

func (s *SQLStore) GetUsage(ctx context.Context, userID, meterID string, periodStart time.Time) (*UsageRecord, error) {
	var row usageRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND meter_id = ? AND period_start = ?", userID, meterID, periodStart).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	return usageFromRow(&row), nil
}

func (s *SQLStore) ListUsage(ctx context.Context, userID string, periodStart time.Time) ([]*UsageRecord, error) {
	var rows []usageRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND period_start = ?", userID, periodStart).
		Order("meter_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}

	out := make([]*UsageRecord, 0, len(rows))
	for i := range rows {
		out = append(out, usageFromRow(&rows[i]))
	}
	return out, nil
}

func (s *SQLStore) ResetUsageBefore(ctx context.Context, meterID string, cutoff time.Time) error {
	return s.db.WithContext(ctx).
		Where("meter_id = ? AND period_start < ?", meterID, cutoff).
		Delete(&usageRow{}).Error
}

func authFromRow(row *deviceAuthorizationRow) *DeviceAuthorization {
	return &DeviceAuthorization{
		DeviceCode: row.DeviceCode,
		UserCode:   row.UserCode,
		Status:     AuthorizationStatus(row.Status),
		UserID:     row.UserID,
		ClientID:   row.ClientID,
		ExpiresAt:  row.ExpiresAt,
		CreatedAt:  row.CreatedAt,
	}
}

func tokenToRow(t *DeviceToken) *deviceTokenRow {
	return &deviceTokenRow{
		Token:            t.Token,
		RefreshToken:     t.RefreshToken,
		UserID:           t.UserID,
		ExpiresAt:        t.ExpiresAt,
		RefreshExpiresAt: t.RefreshExpiresAt,
		LastUsed:         t.LastUsed,
		CreatedAt:        t.CreatedAt,
	}
}

func tokenFromRow(row *deviceTokenRow) *DeviceToken {
	return &DeviceToken{
		Token:            row.Token,
		RefreshToken:     row.RefreshToken,
		UserID:           row.UserID,
		ExpiresAt:        row.ExpiresAt,
		RefreshExpiresAt: row.RefreshExpiresAt,
		LastUsed:         row.LastUsed,
		CreatedAt:        row.CreatedAt,
	}
}

func keyToRow(k *APIKey) *apiKeyRow {
	return &apiKeyRow{
		ID:          k.ID,
		Key:         k.Key,
		Prefix:      k.Prefix,
		UserID:      k.UserID,
		Name:        k.Name,
		Permissions: k.Permissions,
		ExpiresAt:   k.ExpiresAt,
		LastUsed:    k.LastUsed,
		CreatedAt:   k.CreatedAt,
	}
}

func keyFromRow(row *apiKeyRow) *APIKey {
	return &APIKey{
		ID:          row.ID,
		Key:         row.Key,
		Prefix:      row.Prefix,
		UserID:      row.UserID,
		Name:        row.Name,
		Permissions: row.Permissions,
		ExpiresAt:   row.ExpiresAt,
		LastUsed:    row.LastUsed,
		CreatedAt:   row.CreatedAt,
	}
}

func usageFromRow(row *usageRow) *UsageRecord {
	return &UsageRecord{
		UserID:      row.UserID,
		MeterID:     row.MeterID,
		Count:       row.Count,
		PeriodStart: row.PeriodStart,
		PeriodEnd:   row.PeriodEnd,
	}
}

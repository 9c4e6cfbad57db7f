package auth

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T, now func() time.Time) (*DB, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	// In production the external auth system owns these tables; the test
	// has to create them itself.
	if err := db.AutoMigrate(&sessionRow{}, &userRow{}); err != nil {
		t.Fatalf("creating auth tables: %v", err)
	}

	d := NewDB(db)
	if now != nil {
		d.now = now
	}
	return d, db
}

func TestValidateSession(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	d, db := newTestDB(t, func() time.Time { return now })
	ctx := context.Background()

	db.Create(&userRow{ID: "user-1", Email: "u1@example.com", Name: "U One", Plan: "pro", Role: "user"})
	db.Create(&sessionRow{Token: "tok-live", UserID: "user-1", ExpiresAt: now.Add(time.Hour)})
	db.Create(&sessionRow{Token: "tok-expired", UserID: "user-1", ExpiresAt: now.Add(-time.Hour)})

	user, err := d.ValidateSession(ctx, "tok-live")
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if user == nil || user.ID != "user-1" || user.Plan != "pro" {
		t.Errorf("user = %+v, want user-1 on pro", user)
	}

	// Expired and unknown sessions are indistinguishable misses.
	user, err = d.ValidateSession(ctx, "tok-expired")
	if err != nil || user != nil {
		t.Errorf("expired session = %v, %v; want nil, nil", user, err)
	}
	user, err = d.ValidateSession(ctx, "tok-nope")
	if err != nil || user != nil {
		t.Errorf("unknown session = %v, %v; want nil, nil", user, err)
	}
}

func TestGetUserDefaults(t *testing.T) {
	d, db := newTestDB(t, nil)
	ctx := context.Background()

	db.Create(&userRow{ID: "user-2", Email: "u2@example.com"})

	user, err := d.GetUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.Plan != "free" {
		t.Errorf("plan = %q, want free", user.Plan)
	}
	if user.Role != "user" {
		t.Errorf("role = %q, want user", user.Role)
	}
	if user.IsAdmin() {
		t.Error("default role reports admin")
	}

	user, err = d.GetUser(ctx, "nope")
	if err != nil || user != nil {
		t.Errorf("unknown user = %v, %v; want nil, nil", user, err)
	}
}

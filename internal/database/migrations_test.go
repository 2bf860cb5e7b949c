package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/activities"
	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestApplyMigrationsBackfillsSportType(t *testing.T) {
	tempDir := t.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := activities.Activity{UserID: 1, ExternalID: 10, Type: "Hike", Distance: 1000, MovingTime: 600}
	if err := database.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to insert activity: %v", err)
	}
	current := activities.Activity{UserID: 1, ExternalID: 11, Type: "Run", SportType: "TrailRun", Distance: 1000, MovingTime: 600}
	if err := database.Create(&current).Error; err != nil {
		t.Fatalf("failed to insert activity: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var stored activities.Activity
	if err := database.Where("external_id = ?", 10).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload activity: %v", err)
	}
	if stored.SportType != "Hike" {
		t.Fatalf("expected sport type to be backfilled, got %q", stored.SportType)
	}
	var reloaded activities.Activity
	if err := database.Where("external_id = ?", 11).Take(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload activity: %v", err)
	}
	if reloaded.SportType != "TrailRun" {
		t.Fatalf("expected existing sport type to survive, got %q", reloaded.SportType)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillSportType).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsDisplayName(t *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "names.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	seeds := []athletes.User{
		{StravaID: "1", FirstName: "Ada"},
		{StravaID: "2", Username: "walker"},
		{StravaID: "3"},
	}
	for index := range seeds {
		if err := database.Create(&seeds[index]).Error; err != nil {
			t.Fatalf("failed to insert athlete: %v", err)
		}
	}

	if err := applyMigrations(database, nil); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	want := map[string]string{"1": "Ada", "2": "walker", "3": "Unknown"}
	var users []athletes.User
	if err := database.Find(&users).Error; err != nil {
		t.Fatalf("failed to load athletes: %v", err)
	}
	for _, user := range users {
		if user.DisplayName != want[user.StravaID] {
			t.Fatalf("athlete %s: expected %q, got %q", user.StravaID, want[user.StravaID], user.DisplayName)
		}
	}
}

type queryErrorRecorder struct {
	gormlogger.Interface
	errs []error
}

func (r *queryErrorRecorder) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return r
}

func (r *queryErrorRecorder) Trace(_ context.Context, _ time.Time, _ func() (string, int64), err error) {
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	recorder := &queryErrorRecorder{Interface: gormlogger.Discard}
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "twice.db")), &gorm.Config{Logger: recorder})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	recorder.errs = nil
	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, nil); err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migration records, got %d", count)
	}
	if len(recorder.errs) != 0 {
		t.Fatalf("expected pending-migration checks to run without query errors, got %v", recorder.errs)
	}
}

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	database, err := OpenSQLite(filepath.Join(t.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"athletes", "athlete_identities", "activities", "user_stats", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

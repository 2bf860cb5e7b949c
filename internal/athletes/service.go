package athletes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the sign-in payload did not carry a provider account id.
	ErrInvalidIdentity = errors.New("athletes: invalid identity")
	// ErrAthleteNotFound indicates no athlete exists for the requested id.
	ErrAthleteNotFound = errors.New("athletes: athlete not found")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opServiceNew      = "athletes.service.new"
	opRecordSignIn    = "athletes.record_sign_in"
	opGetAthlete      = "athletes.get"
	opListAthletes    = "athletes.list"
	opSaveCredentials = "athletes.save_credentials"
)

// ServiceConfig describes the dependencies required for athlete management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns athlete records, their provider identities, and their stored credentials.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the athlete service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// RecordSignIn creates or refreshes the athlete behind a completed sign-in.
// Profile fields are only overwritten with non-empty values; the token pair is always replaced.
func (s *Service) RecordSignIn(ctx context.Context, signIn SignIn) (User, error) {
	accountID := normalize(signIn.ProviderAccountID)
	if accountID == "" {
		return User{}, ErrInvalidIdentity
	}

	var user User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookup := tx.Where("strava_id = ?", accountID).Limit(1).Find(&user)
		if lookup.Error != nil {
			s.logError(opRecordSignIn, "athlete_select_failed", lookup.Error, zap.String("strava_id", accountID))
			return serviceerr.New(opRecordSignIn, "athlete_select_failed", lookup.Error)
		}
		if lookup.RowsAffected == 0 {
			expiresAt := signIn.ExpiresAt
			user = User{
				StravaID:     accountID,
				FirstName:    normalize(signIn.FirstName),
				Username:     normalize(signIn.Username),
				AvatarURL:    normalize(signIn.AvatarURL),
				AccessToken:  normalize(signIn.AccessToken),
				RefreshToken: normalize(signIn.RefreshToken),
				ExpiresAt:    &expiresAt,
			}
			user.DisplayName = displayNameFor(user.FirstName, user.Username)
			if err := tx.Create(&user).Error; err != nil {
				s.logError(opRecordSignIn, "athlete_insert_failed", err, zap.String("strava_id", accountID))
				return serviceerr.New(opRecordSignIn, "athlete_insert_failed", err)
			}
		} else {
			updates := map[string]interface{}{
				"access_token":  normalize(signIn.AccessToken),
				"refresh_token": normalize(signIn.RefreshToken),
				"expires_at":    signIn.ExpiresAt,
			}
			if firstName := normalize(signIn.FirstName); firstName != "" && firstName != user.FirstName {
				updates["first_name"] = firstName
				user.FirstName = firstName
			}
			if username := normalize(signIn.Username); username != "" && username != user.Username {
				updates["username"] = username
				user.Username = username
			}
			if avatar := normalize(signIn.AvatarURL); avatar != "" && avatar != user.AvatarURL {
				updates["avatar_url"] = avatar
			}
			updates["display_name"] = displayNameFor(user.FirstName, user.Username)
			if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
				s.logError(opRecordSignIn, "athlete_update_failed", err, zap.Uint("athlete_id", user.ID))
				return serviceerr.New(opRecordSignIn, "athlete_update_failed", err)
			}
			if err := tx.Take(&user, user.ID).Error; err != nil {
				return serviceerr.New(opRecordSignIn, "athlete_reload_failed", err)
			}
		}

		identity := Identity{
			Provider:          ProviderStrava,
			ProviderAccountID: accountID,
			UserID:            user.ID,
			LastSeenAt:        s.now().UTC(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "last_seen_at"}),
		}).Create(&identity).Error
		if err != nil {
			s.logError(opRecordSignIn, "identity_upsert_failed", err, zap.Uint("athlete_id", user.ID))
			return serviceerr.New(opRecordSignIn, "identity_upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	return user, nil
}

// Get loads one athlete by id.
func (s *Service) Get(ctx context.Context, id uint) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Take(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrAthleteNotFound
	}
	if err != nil {
		s.logError(opGetAthlete, "query_failed", err, zap.Uint("athlete_id", id))
		return User{}, serviceerr.New(opGetAthlete, "query_failed", err)
	}
	return user, nil
}

// List returns every known athlete ordered by id.
func (s *Service) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&users).Error; err != nil {
		s.logError(opListAthletes, "query_failed", err)
		return nil, serviceerr.New(opListAthletes, "query_failed", err)
	}
	return users, nil
}

// SaveCredentials persists a refreshed token triple in a single statement.
func (s *Service) SaveCredentials(ctx context.Context, id uint, credentials Credentials) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":  credentials.AccessToken,
			"refresh_token": credentials.RefreshToken,
			"expires_at":    credentials.ExpiresAt,
		})
	if result.Error != nil {
		s.logError(opSaveCredentials, "update_failed", result.Error, zap.Uint("athlete_id", id))
		return serviceerr.New(opSaveCredentials, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAthleteNotFound
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("athletes service error", attrs...)
}

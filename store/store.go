package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	oauth "github.com/haileyok/atproto-oauth-refresher"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Open connects to a sqlite or postgres database. sqlite urls look like
// sqlite://path/to/file.db, postgres urls are passed to the driver as is.
func Open(databaseUrl string, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dial gorm.Dialector
	isSqlite := false
	switch {
	case strings.HasPrefix(databaseUrl, "sqlite://"):
		path := strings.TrimPrefix(databaseUrl, "sqlite://")
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
				return nil, err
			}
		}
		dial = sqlite.Open(path)
		isSqlite = true
	case strings.HasPrefix(databaseUrl, "postgresql://"), strings.HasPrefix(databaseUrl, "postgres://"):
		dial = postgres.Open(databaseUrl)
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", strings.SplitN(databaseUrl, ":", 2)[0])
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(slogGorm.WithLogger(logger.With("component", "gorm"))),
	})
	if err != nil {
		return nil, err
	}

	if isSqlite {
		sqldb, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(1)

		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, err
		}
	}

	return db, nil
}

// GormStore keeps oauth requests and sessions in a sql database.
type GormStore struct {
	db *gorm.DB
}

var _ oauth.Store = &GormStore{}

// New migrates the request and session tables and returns a store over db.
func New(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&oauth.OauthRequest{}, &oauth.OauthSession{}); err != nil {
		return nil, fmt.Errorf("migrating oauth tables: %w", err)
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveRequest(ctx context.Context, req *oauth.OauthRequest) error {
	return s.db.WithContext(ctx).Create(req).Error
}

func (s *GormStore) GetRequest(ctx context.Context, state string) (*oauth.OauthRequest, error) {
	var req oauth.OauthRequest
	if err := s.db.WithContext(ctx).Where("state = ?", state).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oauth.ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (s *GormStore) DeleteRequest(ctx context.Context, state string) error {
	return s.db.WithContext(ctx).Where("state = ?", state).Delete(&oauth.OauthRequest{}).Error
}

// DeleteExpiredRequests removes requests whose callback never arrived.
func (s *GormStore) DeleteExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&oauth.OauthRequest{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) SaveSession(ctx context.Context, sess *oauth.OauthSession) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_group"}},
		UpdateAll: true,
	}).Create(sess).Error
}

func (s *GormStore) GetSession(ctx context.Context, sessionGroup, did string) (*oauth.OauthSession, error) {
	q := s.db.WithContext(ctx).Where("session_group = ?", sessionGroup)
	if did != "" {
		q = q.Where("did = ?", did)
	}

	var sess oauth.OauthSession
	if err := q.First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oauth.ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *GormStore) UpdateSessionTokens(ctx context.Context, sessionGroup, accessToken, refreshToken string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&oauth.OauthSession{}).Where("session_group = ?", sessionGroup).Updates(map[string]any{
		"access_token":            accessToken,
		"refresh_token":           refreshToken,
		"access_token_expires_at": expiresAt,
	})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return oauth.ErrSessionNotFound
	}

	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, sessionGroup string) error {
	return s.db.WithContext(ctx).Where("session_group = ?", sessionGroup).Delete(&oauth.OauthSession{}).Error
}

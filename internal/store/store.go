// Package store persists projects, generations and planning conversations
// with GORM on PostgreSQL or SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sdkforge/internal/logging"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Config selects and locates the database.
type Config struct {
	Driver     string
	URL        string
	SQLitePath string
}

// GormStore implements persistence on a *gorm.DB.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and brings its schema up to
// date: golang-migrate on PostgreSQL, AutoMigrate on SQLite.
func Open(cfg Config, logger *zap.Logger) (*GormStore, error) {
	logger = logging.OrNamed(logger, "store")
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres", "postgresql":
		if err := Migrate(cfg.URL, logger); err != nil {
			return nil, err
		}
		db, err = gorm.Open(postgres.Open(cfg.URL), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)

	case "sqlite", "sqlite3":
		path := cfg.SQLitePath
		if path == "" {
			path = cfg.URL
		}
		if path == "" {
			path = "sdkforge.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
		}
		if err := db.AutoMigrate(&Project{}, &Generation{}, &ConversationMessage{}); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	logger.Info("Database connected", zap.String("driver", cfg.Driver))
	return &GormStore{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// EnsureProject creates the project row if it does not exist yet.
func (s *GormStore) EnsureProject(ctx context.Context, id, workspaceRoot string, existing bool) error {
	p := Project{ID: id, WorkspaceRoot: workspaceRoot, Existing: existing}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&p).Error
	if err != nil {
		return fmt.Errorf("ensure project %s: %w", id, err)
	}
	return nil
}

// GetProject loads a project.
func (s *GormStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// CreateGeneration starts a pending generation. Re-using an id replaces the
// earlier record so a failed turn can be retried under the same id.
func (s *GormStore) CreateGeneration(ctx context.Context, g *Generation) error {
	g.Status = StatusPending
	g.RawResponse = ""
	g.Code = ""
	g.Diagnostics = ""
	g.ArtifactPath = ""
	g.URL = ""
	g.Error = ""
	g.CreatedAt = time.Now().UTC()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(g).Error
	if err != nil {
		return fmt.Errorf("create generation %s: %w", g.ID, err)
	}
	return nil
}

// UpdateGeneration writes a turn's outcome.
func (s *GormStore) UpdateGeneration(ctx context.Context, id string, u GenerationUpdate) error {
	fields := map[string]interface{}{"status": u.Status}
	set := func(col, v string) {
		if v != "" {
			fields[col] = v
		}
	}
	set("raw_response", u.RawResponse)
	set("code", u.Code)
	set("diagnostics", u.Diagnostics)
	set("artifact_path", u.ArtifactPath)
	set("url", u.URL)
	set("error", u.Error)

	res := s.db.WithContext(ctx).Model(&Generation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update generation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGeneration loads one generation.
func (s *GormStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	if err := s.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// ListGenerations returns the newest generations of a project first.
func (s *GormStore) ListGenerations(ctx context.Context, projectID string, limit int) ([]Generation, error) {
	var gens []Generation
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&gens).Error; err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return gens, nil
}

// FetchHistory returns the prompts of a project's build turns, oldest first.
func (s *GormStore) FetchHistory(ctx context.Context, projectID string) ([]string, error) {
	var prompts []string
	err := s.db.WithContext(ctx).
		Model(&Generation{}).
		Where("project_id = ? AND kind <> ?", projectID, KindPlan).
		Order("created_at ASC").
		Pluck("prompt", &prompts).Error
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return prompts, nil
}

// AppendConversation records one planning message.
func (s *GormStore) AppendConversation(ctx context.Context, m *ConversationMessage) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// Conversation returns the planning messages of a session, oldest first.
func (s *GormStore) Conversation(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	var msgs []ConversationMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return msgs, nil
}

// DeleteProject removes a project and everything recorded against it.
func (s *GormStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Generation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&ConversationMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", projectID).Delete(&Project{}).Error
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

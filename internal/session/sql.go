package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// record is the sessions table row.
type record struct {
	ID            string `gorm:"primaryKey;size:64"`
	Authenticated bool
	LastActivity  time.Time `gorm:"index"`
	LoginTime     time.Time
	CSRFToken     string `gorm:"size:128"`
	UpdatedAt     time.Time
}

func (record) TableName() string { return "sessions" }

func toRecord(s *Session) record {
	return record{
		ID:            s.ID,
		Authenticated: s.Authenticated,
		LastActivity:  s.LastActivity.UTC(),
		LoginTime:     s.LoginTime.UTC(),
		CSRFToken:     s.CSRFToken,
	}
}

func (r record) session() *Session {
	return &Session{
		ID:            r.ID,
		Authenticated: r.Authenticated,
		LastActivity:  r.LastActivity,
		LoginTime:     r.LoginTime,
		CSRFToken:     r.CSRFToken,
	}
}

// SQLStore keeps sessions in a relational table so they survive restarts and
// can be shared by several processes using the same database.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a gorm connection for driver ("sqlite" or "mysql") and
// returns a migrated SQLStore.
func OpenSQL(driver, dsn string, cfg *gorm.Config) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported session database driver %q", driver)
	}
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s session database: %w", driver, err)
	}
	return NewSQLStore(db)
}

// NewSQLStore migrates the sessions table on db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	var r record
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return r.session(), nil
}

func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	r := toRecord(sess)
	if err := upsert(s.db.WithContext(ctx), &r); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&record{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) Regenerate(ctx context.Context, oldID string, sess *Session) error {
	r := toRecord(sess)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if oldID != "" {
			if err := tx.Delete(&record{}, "id = ?", oldID).Error; err != nil {
				return err
			}
		}
		return upsert(tx, &r)
	})
	if err != nil {
		return fmt.Errorf("regenerate session: %w", err)
	}
	return nil
}

// DeleteIdle removes sessions whose last activity is before cutoff.
func (s *SQLStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("last_activity < ?", cutoff.UTC()).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func upsert(db *gorm.DB, r *record) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"authenticated", "last_activity", "login_time", "csrf_token", "updated_at"}),
	}).Create(r).Error
}

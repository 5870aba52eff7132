package checkpoint

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/conductorhq/conductor/types"
)

// record is the gorm row for one checkpoint. (thread_id, checkpoint_id) is
// the primary key; seq preserves per-thread creation order.
type record struct {
	ThreadID     string `gorm:"primaryKey;size:64"`
	CheckpointID string `gorm:"primaryKey;size:64"`
	ParentID     string `gorm:"size:64"`
	State        []byte `gorm:"type:blob"`
	Version      int64  `gorm:"not null"`
	Seq          int64  `gorm:"index"`
	CreatedAt    time.Time
}

func (record) TableName() string { return "checkpoints" }

// GormStore is a SQL-backed Store using gorm. The conditional write is a
// plain UPDATE ... WHERE version = ?; zero rows affected means conflict.
type GormStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at path and
// migrates the schema.
func NewSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing gorm connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, threadID, checkpointID, parentID string, state map[string]any, expectedVersion int64) (int64, error) {
	data, err := encodeState(state)
	if err != nil {
		return 0, err
	}

	db := s.db.WithContext(ctx)

	if expectedVersion == 0 {
		if parentID != "" {
			var n int64
			if err := db.Model(&record{}).
				Where("thread_id = ? AND checkpoint_id = ?", threadID, parentID).
				Count(&n).Error; err != nil {
				return 0, types.NewError(types.ErrTransient, "checkpoint parent lookup failed").WithCause(err)
			}
			if n == 0 {
				return 0, notFound(threadID, parentID)
			}
		}

		now := time.Now()
		err := db.Create(&record{
			ThreadID:     threadID,
			CheckpointID: checkpointID,
			ParentID:     parentID,
			State:        data,
			Version:      1,
			Seq:          now.UnixNano(),
			CreatedAt:    now,
		}).Error
		if err != nil {
			if isDuplicate(err) {
				return 0, versionConflict(threadID, checkpointID, expectedVersion)
			}
			return 0, types.NewError(types.ErrTransient, "checkpoint insert failed").WithCause(err)
		}
		return 1, nil
	}

	res := db.Model(&record{}).
		Where("thread_id = ? AND checkpoint_id = ? AND version = ?", threadID, checkpointID, expectedVersion).
		Updates(map[string]any{
			"state":   data,
			"version": expectedVersion + 1,
		})
	if res.Error != nil {
		return 0, types.NewError(types.ErrTransient, "checkpoint update failed").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&record{}).
			Where("thread_id = ? AND checkpoint_id = ?", threadID, checkpointID).
			Count(&n).Error; err == nil && n == 0 {
			return 0, notFound(threadID, checkpointID)
		}
		return 0, versionConflict(threadID, checkpointID, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *GormStore) Load(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	var rec record
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND checkpoint_id = ?", threadID, checkpointID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(threadID, checkpointID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "checkpoint load failed").WithCause(err)
	}
	return rec.toCheckpoint()
}

func (s *GormStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var rec record
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(threadID, "latest")
	}
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "checkpoint latest failed").WithCause(err)
	}
	return rec.toCheckpoint()
}

func (s *GormStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	var recs []record
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "checkpoint history failed").WithCause(err)
	}

	result := make([]*Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := rec.toCheckpoint()
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := validateChain(threadID, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *record) toCheckpoint() (*Checkpoint, error) {
	state, err := decodeState(r.State)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ThreadID:     r.ThreadID,
		CheckpointID: r.CheckpointID,
		ParentID:     r.ParentID,
		State:        state,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

// Package requeststore provides the durable request store and the companion
// identity lookups, backed by Postgres through gorm, plus an in-memory
// adapter for tests.
package requeststore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/voicedrop/voicedrop/internal/core"
)

const connectPingTimeout = 5 * time.Second

// requestRow maps core.SynthesisRequest onto the synthesis_requests table.
type requestRow struct {
	ID              string `gorm:"primaryKey"`
	RequesterID     string `gorm:"index"`
	CreatorID       string `gorm:"index"`
	Message         string
	Voice           string
	Status          string
	AudioURL        string
	ArtifactBackend string
	ArtifactKey     string
	FailureReason   string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

func (requestRow) TableName() string { return "synthesis_requests" }

// requesterRow and creatorRow are the companion identity tables. Account CRUD
// lives in an external service; this store only reads them to validate
// submissions.
type requesterRow struct {
	ID string `gorm:"primaryKey"`
}

func (requesterRow) TableName() string { return "requesters" }

type creatorRow struct {
	ID string `gorm:"primaryKey"`
}

func (creatorRow) TableName() string { return "creators" }

// Connect opens the Postgres handle and verifies connectivity.
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()

	err = sqlDB.PingContext(ctx)
	if err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// GormStore implements core.RequestStore and core.IdentityDirectory on a
// shared gorm handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the request table and returns the store. The identity
// tables are created if absent so a fresh database is usable, but their rows
// are owned elsewhere.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	err := db.AutoMigrate(&requestRow{}, &requesterRow{}, &creatorRow{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate request store schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Create inserts a new request record.
func (s *GormStore) Create(ctx context.Context, req *core.SynthesisRequest) error {
	row := rowFromRequest(req)

	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to create request '%s': %w", req.ID, err)
	}

	return nil
}

// Get loads a request by id.
func (s *GormStore) Get(ctx context.Context, id string) (*core.SynthesisRequest, error) {
	var row requestRow

	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request '%s': %w", id, core.ErrNotFound)
		}

		return nil, fmt.Errorf("failed to load request '%s': %w", id, err)
	}

	return requestFromRow(&row), nil
}

// Transition applies a conditional status update: the row changes only when
// its current status is one of the listed predecessors. This is the single
// serialization point that keeps terminal states from regressing under
// redelivery races.
func (s *GormStore) Transition(ctx context.Context, id string, from []core.Status, change core.StatusChange) error {
	if !change.To.Valid() {
		return fmt.Errorf("%w: status '%s'", core.ErrInvalidInput, change.To)
	}

	for _, status := range from {
		if !status.CanTransitionTo(change.To) {
			return fmt.Errorf("%w: %s cannot transition to %s", core.ErrInvalidInput, status, change.To)
		}
	}

	updates := map[string]any{
		"status":       string(change.To),
		"processed_at": change.ProcessedAt,
	}

	if change.AudioURL != "" {
		updates["audio_url"] = change.AudioURL
		updates["artifact_backend"] = change.ArtifactBackend
		updates["artifact_key"] = change.ArtifactKey
	}

	if change.FailureReason != "" {
		updates["failure_reason"] = change.FailureReason
	}

	result := s.db.WithContext(ctx).
		Model(&requestRow{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to transition request '%s': %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		_, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		return fmt.Errorf("request '%s' to %s: %w", id, change.To, core.ErrStateConflict)
	}

	return nil
}

// RequesterExists reports whether the requester id resolves in the companion
// identity table.
func (s *GormStore) RequesterExists(ctx context.Context, id string) (bool, error) {
	return s.rowExists(ctx, &requesterRow{}, id)
}

// CreatorExists reports whether the creator id resolves in the companion
// identity table.
func (s *GormStore) CreatorExists(ctx context.Context, id string) (bool, error) {
	return s.rowExists(ctx, &creatorRow{}, id)
}

func (s *GormStore) rowExists(ctx context.Context, model any, id string) (bool, error) {
	var count int64

	err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to resolve identity '%s': %w", id, err)
	}

	return count > 0, nil
}

func statusStrings(statuses []core.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}

	return out
}

func rowFromRequest(req *core.SynthesisRequest) requestRow {
	return requestRow{
		ID:              req.ID,
		RequesterID:     req.RequesterID,
		CreatorID:       req.CreatorID,
		Message:         req.Message,
		Voice:           req.Voice,
		Status:          string(req.Status),
		AudioURL:        req.AudioURL,
		ArtifactBackend: req.ArtifactBackend,
		ArtifactKey:     req.ArtifactKey,
		FailureReason:   req.FailureReason,
		CreatedAt:       req.CreatedAt,
		ProcessedAt:     req.ProcessedAt,
	}
}

func requestFromRow(row *requestRow) *core.SynthesisRequest {
	return &core.SynthesisRequest{
		ID:              row.ID,
		RequesterID:     row.RequesterID,
		CreatorID:       row.CreatorID,
		Message:         row.Message,
		Voice:           row.Voice,
		Status:          core.Status(row.Status),
		AudioURL:        row.AudioURL,
		ArtifactBackend: row.ArtifactBackend,
		ArtifactKey:     row.ArtifactKey,
		FailureReason:   row.FailureReason,
		CreatedAt:       row.CreatedAt,
		ProcessedAt:     row.ProcessedAt,
	}
}

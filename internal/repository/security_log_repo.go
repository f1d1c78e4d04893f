package repository

import (
	"context"
	"sync"

	"channelverify/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SecurityLogRepository interface {
	Log(ctx context.Context, log *entity.SecurityLog) error
}

type securityLogRepository struct {
	db *gorm.DB
}

func NewSecurityLogRepository(db *gorm.DB) SecurityLogRepository {
	return &securityLogRepository{db: db}
}

func (r *securityLogRepository) Log(ctx context.Context, log *entity.SecurityLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// MemorySecurityLogRepository keeps audit entries in process, for deployments
// without Postgres.
type MemorySecurityLogRepository struct {
	mu      sync.Mutex
	entries []entity.SecurityLog
	limit   int
}

// NewMemorySecurityLogRepository retains at most limit entries; zero keeps
// everything.
func NewMemorySecurityLogRepository(limit int) *MemorySecurityLogRepository {
	return &MemorySecurityLogRepository{limit: limit}
}

func (r *MemorySecurityLogRepository) Log(ctx context.Context, log *entity.SecurityLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := *log
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	r.entries = append(r.entries, entry)
	if r.limit > 0 && len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
	return nil
}

func (r *MemorySecurityLogRepository) Entries() []entity.SecurityLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.SecurityLog, len(r.entries))
	copy(out, r.entries)
	return out
}

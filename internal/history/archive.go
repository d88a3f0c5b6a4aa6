package history

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// Archive records finished games in the database and keeps the latest
// results in memory so they can be reported without a query.
type Archive struct {
	db     *gorm.DB
	recent *gocache.Cache
}

// NewArchive returns an Archive backed by db, which may be nil to keep results
// in memory only. Cached results are forgotten after ttl.
func NewArchive(db *gorm.DB, ttl time.Duration) *Archive {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Archive{
		db:     db,
		recent: gocache.New(ttl, 10*time.Second),
	}
}

// Save stores the record. The in-memory copy is kept even if the database
// write fails.
func (a *Archive) Save(ctx context.Context, record *Record) error {
	a.recent.SetDefault(record.GameID, record)
	if a.db == nil {
		return nil
	}
	return CreateRecord(a.db.WithContext(ctx), record)
}

// Recent returns the result of a game that ended within the cache TTL.
func (a *Archive) Recent(gameID string) (*Record, bool) {
	v, ok := a.recent.Get(gameID)
	if !ok {
		return nil, false
	}
	return v.(*Record), true
}

package history

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Record is the result of one finished game.
type Record struct {
	ID     uint64 `gorm:"primaryKey"`
	GameID string `gorm:"index; not null"`
	// Addresses of the two players.
	White string
	Black string
	// Result is the sentence announced to the players when the game ended.
	Result string
	Reason string
	// Winner is "white", "black" or empty for a draw.
	Winner   string
	FinalFEN string
	// Moves played, in UCI notation separated by spaces.
	Moves     string
	Private   bool `gorm:"default:false"`
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
}

// CreateRecord persists the Record to the database.
func CreateRecord(db *gorm.DB, record *Record) error {
	return db.Create(record).Error
}

// FindRecordByGameID returns the result stored for a game id, or nil if the
// game was never recorded.
func FindRecordByGameID(db *gorm.DB, gameID string) (*Record, error) {
	var record Record
	err := db.Where("game_id = ?", gameID).Order("id desc").First(&record).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &record, nil
}

// FindRecentRecords returns up to limit results, most recently ended first.
func FindRecentRecords(db *gorm.DB, limit int) ([]Record, error) {
	var records []Record
	if err := db.Order("ended_at desc").Order("id desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// FindRecordsByPlayer returns every game the address played in, oldest first.
func FindRecordsByPlayer(db *gorm.DB, addr string) ([]Record, error) {
	var records []Record
	err := db.Where("white = ? OR black = ?", addr, addr).Order("ended_at asc").Order("id asc").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

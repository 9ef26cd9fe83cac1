package repository

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/FireDesk/firegate/internal/estop"
)

// EmergencyStopRow is one persisted scope, the event payload kept as a
// JSON document so the schema survives taxonomy additions.
type EmergencyStopRow struct {
	Scope     string    `gorm:"primaryKey;size:128"`
	Version   int64     `gorm:"not null"`
	State     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (EmergencyStopRow) TableName() string {
	return "emergency_stops"
}

// PostgresEstopRepo is the durable store of record for stop state.
type PostgresEstopRepo struct {
	db *gorm.DB
}

func NewPostgresEstopRepo(db *gorm.DB) (*PostgresEstopRepo, error) {
	if err := db.AutoMigrate(&EmergencyStopRow{}); err != nil {
		return nil, err
	}
	return &PostgresEstopRepo{db: db}, nil
}

func (r *PostgresEstopRepo) Save(ctx context.Context, rec estop.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	row := EmergencyStopRow{
		Scope:     rec.Scope,
		Version:   rec.Version,
		State:     string(payload),
		UpdatedAt: rec.UpdatedAt,
	}
	// Upsert, newest version wins.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "state", "updated_at"}),
	}).Create(&row).Error
}

func (r *PostgresEstopRepo) Load(ctx context.Context) ([]estop.Record, error) {
	var rows []EmergencyStopRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]estop.Record, 0, len(rows))
	for _, row := range rows {
		var rec estop.Record
		if err := json.Unmarshal([]byte(row.State), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

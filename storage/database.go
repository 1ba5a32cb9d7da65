package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/betbot/types"
)

// Database persists finished sequences, their step attempts and applied
// outcomes. SQLite by default, PostgreSQL when the DSN says so.
type Database struct {
	db *gorm.DB
}

// Models

type Sequence struct {
	ID            string `gorm:"primaryKey"`
	Asset         string `gorm:"index"`
	Trend         string
	AccountType   string          `gorm:"index"`
	BaseStake     decimal.Decimal `gorm:"type:decimal(20,0)"`
	Steps         int
	State         string          `gorm:"index"` // "COMPLETED_WIN", "COMPLETED_LOSS", "CANCELLED"
	TotalLoss     decimal.Decimal `gorm:"type:decimal(20,0)"`
	Recovered     decimal.Decimal `gorm:"type:decimal(20,0)"`
	AssumedLosses int
	StartedAt     time.Time
	FinishedAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StepAttempt struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SequenceID  string `gorm:"index"`
	Step        int
	ClientID    string          `gorm:"index"`
	Stake       decimal.Decimal `gorm:"type:decimal(20,0)"`
	Status      string          // "win", "loss", "draw"
	Channel     string          // which reconciliation channel settled it
	Payout      decimal.Decimal `gorm:"type:decimal(20,0)"`
	SubmittedAt time.Time
	SettledAt   time.Time
	CreatedAt   time.Time
}

type AppliedOutcome struct {
	ID         string `gorm:"primaryKey"`
	SequenceID string `gorm:"index"`
	Channel    string
	ObservedAt time.Time
	CreatedAt  time.Time
}

// SessionStats is the rollup one /status query reads.
type SessionStats struct {
	TotalSequences int64
	Wins           int64
	Losses         int64
	Cancelled      int64
	AssumedLosses  int64
	NetProfit      decimal.Decimal
}

func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Sequence{}, &StepAttempt{}, &AppliedOutcome{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Sequence operations

// SaveSequence upserts a finished sequence record.
func (d *Database) SaveSequence(rec types.SequenceRecord) error {
	return d.db.Save(&Sequence{
		ID:            rec.ID,
		Asset:         rec.Asset,
		Trend:         string(rec.Trend),
		AccountType:   string(rec.Account),
		BaseStake:     rec.BaseStake,
		Steps:         rec.Steps,
		State:         rec.State,
		TotalLoss:     rec.TotalLoss,
		Recovered:     rec.Recovered,
		AssumedLosses: rec.AssumedLosses,
		StartedAt:     rec.StartedAt,
		FinishedAt:    rec.FinishedAt,
	}).Error
}

func (d *Database) GetSequence(id string) (*Sequence, error) {
	var seq Sequence
	err := d.db.First(&seq, "id = ?", id).Error
	return &seq, err
}

func (d *Database) GetRecentSequences(limit int) ([]Sequence, error) {
	var seqs []Sequence
	err := d.db.Order("finished_at DESC").Limit(limit).Find(&seqs).Error
	return seqs, err
}

// Step attempt operations

// SaveStep records one settled step of a sequence.
func (d *Database) SaveStep(rec types.StepRecord) error {
	return d.db.Create(&StepAttempt{
		SequenceID:  rec.SequenceID,
		Step:        rec.Step,
		ClientID:    rec.ClientID,
		Stake:       rec.Stake,
		Status:      string(rec.Status),
		Channel:     string(rec.Channel),
		Payout:      rec.Payout,
		SubmittedAt: rec.SubmittedAt,
		SettledAt:   rec.SettledAt,
	}).Error
}

func (d *Database) GetStepAttempts(sequenceID string) ([]StepAttempt, error) {
	var attempts []StepAttempt
	err := d.db.Where("sequence_id = ?", sequenceID).Order("step ASC").Find(&attempts).Error
	return attempts, err
}

// Applied outcome operations

// RecordApplied journals an outcome id the reconciler consumed, for
// post-hoc settlement audits.
func (d *Database) RecordApplied(outcomeID, sequenceID string, channel types.Channel, observedAt time.Time) error {
	return d.db.Create(&AppliedOutcome{
		ID:         outcomeID,
		SequenceID: sequenceID,
		Channel:    string(channel),
		ObservedAt: observedAt,
	}).Error
}

// Stats operations

// GetSessionStats rolls up all finished sequences. Net profit is the
// sum of recovered amounts minus the losses of losing and cancelled
// sequences.
func (d *Database) GetSessionStats() (*SessionStats, error) {
	stats := &SessionStats{}

	d.db.Model(&Sequence{}).Count(&stats.TotalSequences)
	d.db.Model(&Sequence{}).Where("state = ?", "COMPLETED_WIN").Count(&stats.Wins)
	d.db.Model(&Sequence{}).Where("state = ?", "COMPLETED_LOSS").Count(&stats.Losses)
	d.db.Model(&Sequence{}).Where("state = ?", "CANCELLED").Count(&stats.Cancelled)

	var assumed struct {
		Total int64
	}
	d.db.Model(&Sequence{}).Select("COALESCE(SUM(assumed_losses), 0) as total").Scan(&assumed)
	stats.AssumedLosses = assumed.Total

	var recovered struct {
		Total decimal.Decimal
	}
	d.db.Model(&Sequence{}).
		Select("COALESCE(SUM(recovered), 0) as total").Scan(&recovered)

	var lost struct {
		Total decimal.Decimal
	}
	d.db.Model(&Sequence{}).
		Where("state IN ?", []string{"COMPLETED_LOSS", "CANCELLED"}).
		Select("COALESCE(SUM(total_loss), 0) as total").Scan(&lost)

	stats.NetProfit = recovered.Total.Sub(lost.Total)

	return stats, nil
}

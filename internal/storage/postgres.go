package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

type fireRow struct {
	ID      uint   `gorm:"primaryKey"`
	Date    string `gorm:"size:10;not null"`
	FiredAt time.Time
	EventID string `gorm:"size:64"`
}

func (fireRow) TableName() string { return "reminder_fire_record" }

type deliveryRow struct {
	ID       string    `gorm:"primaryKey;size:64"`
	At       time.Time `gorm:"index;not null"`
	Date     string    `gorm:"size:10;not null"`
	Outcome  string    `gorm:"size:16;not null"`
	Source   string    `gorm:"size:16"`
	Channel  string    `gorm:"size:32"`
	Provider string    `gorm:"size:64"`
	Seq      int64
	Length   int
	TookMS   int64
	Error    string
}

func (deliveryRow) TableName() string { return "reminder_deliveries" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&fireRow{}, &deliveryRow{}); err != nil {
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Driver() string { return "postgres" }

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) LastFire(ctx context.Context) (FireRecord, bool, error) {
	var row fireRow
	err := s.db.WithContext(ctx).First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FireRecord{}, false, nil
	}
	if err != nil {
		return FireRecord{}, false, err
	}
	return FireRecord{Date: row.Date, FiredAt: row.FiredAt, EventID: row.EventID}, true, nil
}

func (s *postgresStore) SaveFire(ctx context.Context, r FireRecord) error {
	row := fireRow{ID: 1, Date: r.Date, FiredAt: r.FiredAt, EventID: r.EventID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *postgresStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	row := deliveryRow{
		ID: e.ID, At: e.At, Date: e.Date, Outcome: e.Outcome, Source: e.Source,
		Channel: e.Channel, Provider: e.Provider, Seq: int64(e.Seq), Length: e.Length,
		TookMS: e.TookMS, Error: e.Error,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *postgresStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deliveryRow
	if err := s.db.WithContext(ctx).Order("at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DeliveryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, DeliveryEntry{
			ID: r.ID, At: r.At, Date: r.Date, Outcome: r.Outcome, Source: r.Source,
			Channel: r.Channel, Provider: r.Provider, Seq: uint64(r.Seq), Length: r.Length,
			TookMS: r.TookMS, Error: r.Error,
		})
	}
	return out, nil
}

func (s *postgresStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("at < ?", before).Delete(&deliveryRow{})
	return res.RowsAffected, res.Error
}

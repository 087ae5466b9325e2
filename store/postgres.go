package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"recipecheck/deduplication"
	"recipecheck/types"
)

// orderRecord is the orders table row. canonical_key holds the key hash and
// carries the unique constraint that makes concurrent inserts safe.
type orderRecord struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CanonicalKey string `gorm:"column:canonical_key;type:char(64);not null;uniqueIndex"`

	StdTriangleCode1      string    `gorm:"column:std_triangle_code_1;type:text;not null"`
	StdTriangleCode2      string    `gorm:"column:std_triangle_code_2;type:text;not null"`
	RecipeTriangleCode1   string    `gorm:"column:recipe_triangle_code_1;type:text;not null"`
	RecipeTriangleCode2   string    `gorm:"column:recipe_triangle_code_2;type:text;not null"`
	RecipeTypeCode        string    `gorm:"column:recipe_type_code;type:text;not null"`
	FastnessType          string    `gorm:"column:fastness_type;type:text;not null"`
	ArticleDyeCheckResult string    `gorm:"column:article_dye_check_result;type:text;not null"`
	CheckDyeTriangle      string    `gorm:"column:check_dye_triangle;type:text;not null"`
	NoOfStages            int64     `gorm:"column:no_of_stages;not null"`
	MaxRecipeAgeInDays    int64     `gorm:"column:max_recipe_age_in_days;not null"`
	LastUpdateDate        time.Time `gorm:"column:last_update_date;type:date;not null"`
	StandardSavedDate     time.Time `gorm:"column:standard_saved_date;type:date;not null"`
	MinNoOfLots           int64     `gorm:"column:min_no_of_lots;not null"`
	MaxDeltaE             float64   `gorm:"column:max_delta_e;not null"`
	MaxDeltaL             float64   `gorm:"column:max_delta_l;not null"`
	MaxDeltaC             float64   `gorm:"column:max_delta_c;not null"`
	MaxDeltaH             float64   `gorm:"column:max_delta_h;not null"`
	NoOfMatchingLots      int64     `gorm:"column:no_of_matching_lots;not null"`
	DEOfAverage           float64   `gorm:"column:de_of_average;not null"`
	DLOfAverage           float64   `gorm:"column:dl_of_average;not null"`
	DCOfAverage           float64   `gorm:"column:dc_of_average;not null"`
	DHOfAverage           float64   `gorm:"column:dh_of_average;not null"`

	ReportAnalysis string    `gorm:"column:report_analysis;type:text;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;default:now()"`
}

func (orderRecord) TableName() string { return "orders" }

func newOrderRecord(o types.Order, key deduplication.CanonicalKey, report string) orderRecord {
	return orderRecord{
		CanonicalKey:          key.Hash(),
		StdTriangleCode1:      o.StdTriangleCode1,
		StdTriangleCode2:      o.StdTriangleCode2,
		RecipeTriangleCode1:   o.RecipeTriangleCode1,
		RecipeTriangleCode2:   o.RecipeTriangleCode2,
		RecipeTypeCode:        o.RecipeTypeCode,
		FastnessType:          o.FastnessType,
		ArticleDyeCheckResult: o.ArticleDyeCheckResult,
		CheckDyeTriangle:      o.CheckDyeTriangle,
		NoOfStages:            o.NoOfStages,
		MaxRecipeAgeInDays:    o.MaxRecipeAgeInDays,
		LastUpdateDate:        o.LastUpdateDate.Time,
		StandardSavedDate:     o.StandardSavedDate.Time,
		MinNoOfLots:           o.MinNoOfLots,
		MaxDeltaE:             o.MaxDeltaE,
		MaxDeltaL:             o.MaxDeltaL,
		MaxDeltaC:             o.MaxDeltaC,
		MaxDeltaH:             o.MaxDeltaH,
		NoOfMatchingLots:      o.NoOfMatchingLots,
		DEOfAverage:           o.DEOfAverage,
		DLOfAverage:           o.DLOfAverage,
		DCOfAverage:           o.DCOfAverage,
		DHOfAverage:           o.DHOfAverage,
		ReportAnalysis:        report,
	}
}

func (r orderRecord) toStored() types.StoredOrder {
	return types.StoredOrder{
		Order: types.Order{
			StdTriangleCode1:      r.StdTriangleCode1,
			StdTriangleCode2:      r.StdTriangleCode2,
			RecipeTriangleCode1:   r.RecipeTriangleCode1,
			RecipeTriangleCode2:   r.RecipeTriangleCode2,
			RecipeTypeCode:        r.RecipeTypeCode,
			FastnessType:          r.FastnessType,
			ArticleDyeCheckResult: r.ArticleDyeCheckResult,
			CheckDyeTriangle:      r.CheckDyeTriangle,
			NoOfStages:            r.NoOfStages,
			MaxRecipeAgeInDays:    r.MaxRecipeAgeInDays,
			LastUpdateDate:        types.DateOf(r.LastUpdateDate),
			StandardSavedDate:     types.DateOf(r.StandardSavedDate),
			MinNoOfLots:           r.MinNoOfLots,
			MaxDeltaE:             r.MaxDeltaE,
			MaxDeltaL:             r.MaxDeltaL,
			MaxDeltaC:             r.MaxDeltaC,
			MaxDeltaH:             r.MaxDeltaH,
			NoOfMatchingLots:      r.NoOfMatchingLots,
			DEOfAverage:           r.DEOfAverage,
			DLOfAverage:           r.DLOfAverage,
			DCOfAverage:           r.DCOfAverage,
			DHOfAverage:           r.DHOfAverage,
		},
		ID:             r.ID,
		ReportAnalysis: r.ReportAnalysis,
		CreatedAt:      r.CreatedAt,
	}
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN string
	// AutoMigrate creates or updates the orders table on startup. Production
	// schemas are managed outside the service.
	AutoMigrate  bool
	MaxOpenConns int
	MaxIdleConns int
}

// PostgresStore is the production OrderStore.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN must be provided")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, unavailable("open postgres", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("open postgres", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, unavailable("ping postgres", err)
	}
	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&orderRecord{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate orders table: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindByKey(ctx context.Context, key deduplication.CanonicalKey) (types.StoredOrder, bool, error) {
	var rec orderRecord
	err := s.db.WithContext(ctx).Where("canonical_key = ?", key.Hash()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.StoredOrder{}, false, nil
	}
	if err != nil {
		return types.StoredOrder{}, false, unavailable("find order", err)
	}
	return rec.toStored(), true, nil
}

func (s *PostgresStore) Insert(ctx context.Context, order types.Order, key deduplication.CanonicalKey, report string) (int64, error) {
	rec := newOrderRecord(order, key, report)
	err := s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return 0, ErrDuplicateKey
	}
	if err != nil {
		return 0, unavailable("insert order", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id int64) (string, bool, error) {
	var rec orderRecord
	err := s.db.WithContext(ctx).Select("id", "report_analysis").Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get report", err)
	}
	return rec.ReportAnalysis, true, nil
}

func (s *PostgresStore) ListIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	if err := s.db.WithContext(ctx).Model(&orderRecord{}).Order("id asc").Pluck("id", &ids).Error; err != nil {
		return nil, unavailable("list orders", err)
	}
	return ids, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

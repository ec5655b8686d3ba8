package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quillnote-app/quillnote-back/internal/config"
)

const connectAttempts = 5

type (
	GormForkedModel struct {
		ID        uint64 `gorm:"primarykey"`
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	User struct {
		GormForkedModel
		Name     string `gorm:"not null"`
		Email    string `gorm:"unique;not null"`
		Password string `gorm:"not null"`
		Tokens   []Token
		Notes    []Note
	}

	// Token is one issued bearer credential. A presented token is valid only
	// while its exact string is still present here, so removing a row revokes it.
	Token struct {
		GormForkedModel
		Value     string `gorm:"uniqueIndex;not null"`
		ExpiresAt time.Time
		UserID    uint64 `gorm:"index;not null"`
	}

	Note struct {
		GormForkedModel
		Title     string    `gorm:"type:varchar(100);not null"`
		Content   string    `gorm:"type:text;not null"`
		Images    MediaList `gorm:"type:text"`
		AudioURL  string
		AudioKey  string
		Favorite  bool
		Timestamp time.Time `gorm:"index"`
		UserID    uint64    `gorm:"index;not null"`
		User      User
	}
)

func NewGormClient(cfg *config.Config) (*gorm.DB, error) {
	newLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Info,
		Colorful:                  true,
		IgnoreRecordNotFoundError: false,
	})

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)

	var (
		db  *gorm.DB
		err error
	)
	backoff := time.Second
	for attempt := 0; attempt < connectAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: newLogger,
		})
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, errors.Wrap(err, "migrate user")
	}
	if err := db.AutoMigrate(&Token{}); err != nil {
		return nil, errors.Wrap(err, "migrate token")
	}
	if err := db.AutoMigrate(&Note{}); err != nil {
		return nil, errors.Wrap(err, "migrate note")
	}

	return db, nil
}

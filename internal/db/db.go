package db

import (
	"fmt"
	"time"

	"musicchat/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect 按驱动建立连接；Postgres 带有简单的重试来等待容器就绪。
func Connect(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case DriverSQLite:
		// SQLite 只允许单写者，连接池收敛为 1 以避免 database is locked。
		return open(sqlite.Open(dsn), 1)
	case DriverPostgres, "":
		var gdb *gorm.DB
		var err error
		for i := 0; i < 10; i++ {
			gdb, err = open(postgres.Open(dsn), 20)
			if err == nil {
				return gdb, nil
			}
			time.Sleep(time.Duration(500+i*200) * time.Millisecond)
		}
		return nil, err
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func open(dialector gorm.Dialector, maxOpen int) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate 自动迁移用户资料与消息表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Message{})
}

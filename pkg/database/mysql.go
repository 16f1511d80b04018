package database

import (
	"fmt"
	"time"

	"bidding-kb-go/internal/config"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitMySQL 连接 MySQL 并迁移入库流水线的表结构，只应由 API 进程调用。
func InitMySQL(cfg config.MySQLConfig) {
	ConnectMySQL(cfg)
	if err := Migrate(DB); err != nil {
		log.Fatal("failed to migrate schema", err)
	}
}

// ConnectMySQL 只建立连接和连接池，不改动表结构。MCP 等只读进程用它。
func ConnectMySQL(cfg config.MySQLConfig) {
	db, err := OpenMySQL(cfg)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	DB = db
	log.Info("MySQL database connected successfully")
}

// OpenMySQL 打开连接并配置连接池。
func OpenMySQL(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate 迁移文件记录及其派生表。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.FileRecord{},
		&model.ChapterRecord{},
		&model.ImageRecord{},
		&model.TableRecord{},
		&model.KnowledgeEntry{},
		&model.FinancialReport{},
	)
}

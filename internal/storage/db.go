package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	// Glebarez driver: pure Go, no CGO
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers during processor runs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	err = db.AutoMigrate(
		&Settings{},
		&MediaServer{},
		&UploadRecord{},
		&Task{},
		&SubTask{},
		&DownloadLog{},
		&StrmLog{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// SetVerboseSQL toggles statement logging at runtime
func (s *Storage) SetVerboseSQL(verbose bool) {
	mode := logger.Silent
	if verbose {
		mode = logger.Info
	}
	s.DB.Logger = logger.Default.LogMode(mode)
}

// ============= Settings (singleton row) =============

// GetSettings returns the settings row, creating defaults on first read
func (s *Storage) GetSettings() (Settings, error) {
	var settings Settings
	err := s.DB.First(&settings).Error
	if err == gorm.ErrRecordNotFound {
		settings = DefaultSettings()
		if err := s.DB.Create(&settings).Error; err != nil {
			return settings, err
		}
		return settings, nil
	}
	return settings, err
}

// SaveSettings persists the settings row
func (s *Storage) SaveSettings(settings *Settings) error {
	return s.DB.Save(settings).Error
}

// DefaultSettings returns the initial configuration row
func DefaultSettings() Settings {
	return Settings{
		Version:                 1,
		VideoExts:               "mp4,mkv,avi,mov,wmv,flv,webm,m4v,mpg,mpeg,ts,rmvb,iso",
		AudioExts:               "mp3,flac,wav,aac,ogg,m4a,wma,ape",
		ImageExts:               "jpg,jpeg,png,gif,bmp,webp,tiff",
		SubtitleExts:            "srt,ass,ssa,sub,vtt,sup",
		MetadataExts:            "nfo,xml,json",
		WorkerCount:             4,
		FailureRetryCount:       3,
		RetryIntervalSeconds:    60,
		RecoveryEnabled:         true,
		RecoveryIntervalSeconds: 1800,
		TaskTimeoutHours:        2,
		HeartbeatTimeoutMinutes: 10,
		ActivityWindowMinutes:   30,
		RecentActivityMinutes:   5,
		LogLevel:                "INFO",
		LogRetentionDays:        30,
	}
}

// ============= Media Servers =============

// SaveServer creates or updates a media server
func (s *Storage) SaveServer(server *MediaServer) error {
	return s.DB.Save(server).Error
}

// GetServer retrieves a server by ID
func (s *Storage) GetServer(id uint) (MediaServer, error) {
	var server MediaServer
	err := s.DB.First(&server, "id = ?", id).Error
	return server, err
}

// GetServers returns all configured servers
func (s *Storage) GetServers() ([]MediaServer, error) {
	var servers []MediaServer
	err := s.DB.Order("id asc").Find(&servers).Error
	return servers, err
}

// DeleteServer removes a server
func (s *Storage) DeleteServer(id uint) error {
	return s.DB.Delete(&MediaServer{}, "id = ?", id).Error
}

// ============= Upload Records =============

// SaveUpload creates or updates an upload record
func (s *Storage) SaveUpload(rec *UploadRecord) error {
	return s.DB.Save(rec).Error
}

// GetUpload retrieves an upload record by ID including the blob
func (s *Storage) GetUpload(id uint) (UploadRecord, error) {
	var rec UploadRecord
	err := s.DB.First(&rec, "id = ?", id).Error
	return rec, err
}

// GetUploads returns upload records newest first, blob omitted
func (s *Storage) GetUploads(offset, limit int) ([]UploadRecord, int64, error) {
	var recs []UploadRecord
	var total int64
	if err := s.DB.Model(&UploadRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := s.DB.Omit("content").Order("created_at desc").
		Offset(offset).Limit(limit).Find(&recs).Error
	return recs, total, err
}

// DeleteUpload removes an upload record
func (s *Storage) DeleteUpload(id uint) error {
	return s.DB.Delete(&UploadRecord{}, "id = ?", id).Error
}

// UpdateUploadStatus updates just the status field
func (s *Storage) UpdateUploadStatus(id uint, status string) error {
	return s.DB.Model(&UploadRecord{}).Where("id = ?", id).Update("status", status).Error
}

package storage

import (
	"time"
)

// Task statuses
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// SubTask statuses
const (
	SubPending     = "pending"
	SubDownloading = "downloading"
	SubCompleted   = "completed"
	SubFailed      = "failed"
	SubCanceled    = "canceled"
	SubRetry       = "retry"
)

// Process kinds. PendingWait is reserved and never assigned.
const (
	ProcessStrm        = "strm_generation"
	ProcessDownload    = "resource_download"
	ProcessPendingWait = "pending_wait"
)

// File categories assigned by the classifier
const (
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeImage    = "image"
	TypeSubtitle = "subtitle"
	TypeMetadata = "metadata"
	TypeOther    = "other"
)

// Upload record states
const (
	UploadUploaded = "uploaded"
	UploadParsing  = "parsing"
	UploadParsed   = "parsed"
	UploadFailed   = "failed"
)

// Media server kinds
const (
	ServerHTTP      = "http"
	ServerHTTPS     = "https"
	ServerCD2Host   = "cd2host"
	ServerXiaoya    = "xiaoyahost"
	ServerFTP       = "ftp"
	ServerWebDAV    = "webdav"
	ServerLocalPath = "local"
)

// Settings is the single configuration row. Version increments only when
// one of the five extension lists changes; cached parse results carry the
// version they were typed against.
type Settings struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	Version int  `gorm:"default:1" json:"version"`

	// Comma-separated extension lists, pairwise disjoint
	VideoExts    string `json:"video_exts"`
	AudioExts    string `json:"audio_exts"`
	ImageExts    string `json:"image_exts"`
	SubtitleExts string `json:"subtitle_exts"`
	MetadataExts string `json:"metadata_exts"`

	PathRewriteEnabled bool   `json:"path_rewrite_enabled"`
	PathRewritePrefix  string `json:"path_rewrite_prefix"`

	OutputBaseDir string `json:"output_base_dir"`

	WorkerCount          int `gorm:"default:4" json:"worker_count"`
	FailureRetryCount    int `gorm:"default:3" json:"failure_retry_count"`
	RetryIntervalSeconds int `gorm:"default:60" json:"retry_interval_seconds"`

	// Bytes per second; 0 disables throttling
	DownloadRateLimit int64 `json:"download_rate_limit"`

	RecoveryEnabled         bool `gorm:"default:true" json:"recovery_enabled"`
	RecoveryIntervalSeconds int  `gorm:"default:1800" json:"recovery_interval_seconds"`
	TaskTimeoutHours        int  `gorm:"default:2" json:"task_timeout_hours"`
	HeartbeatTimeoutMinutes int  `gorm:"default:10" json:"heartbeat_timeout_minutes"`
	ActivityWindowMinutes   int  `gorm:"default:30" json:"activity_window_minutes"`
	RecentActivityMinutes   int  `gorm:"default:5" json:"recent_activity_minutes"`

	LogLevel         string `gorm:"default:INFO" json:"log_level"`
	LogDir           string `json:"log_dir"`
	LogRetentionDays int    `gorm:"default:30" json:"log_retention_days"`
	VerboseSQL       bool   `json:"verbose_sql"`

	DefaultMediaServerID    *uint `json:"default_media_server_id"`
	DefaultDownloadServerID *uint `json:"default_download_server_id"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (Settings) TableName() string {
	return "settings"
}

// MediaServer is a streaming or download endpoint tasks resolve URLs against
type MediaServer struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"uniqueIndex" json:"name"`
	Kind     string `json:"kind"` // http, https, cd2host, xiaoyahost, ftp, webdav, local
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"-"`
	// Last probe outcome: unknown, success, error, warning
	Reachability string    `gorm:"default:unknown" json:"reachability"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (MediaServer) TableName() string {
	return "media_servers"
}

// UploadRecord holds one ingested tree export. The blob is stored inline;
// FilePath is a legacy on-disk location kept for older rows.
type UploadRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Filename    string     `json:"filename"`
	FilePath    string     `json:"file_path"`
	Size        int64      `json:"size"`
	Content     []byte     `gorm:"type:blob" json:"-"`
	CreatedBy   string     `json:"created_by"`
	Status      string     `gorm:"default:uploaded" json:"status"`
	ParseResult string     `json:"-"` // JSON ParseResult document
	ParsedAt    *time.Time `json:"parsed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (UploadRecord) TableName() string {
	return "upload_records"
}

// Task is the parent aggregate. Counters are a projection of SubTask rows,
// recomputed at reconciliation; LogContent is append-only.
type Task struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `json:"name"`
	Status           string     `gorm:"index" json:"status"`
	MediaServerID    uint       `json:"media_server_id"`
	DownloadServerID *uint      `json:"download_server_id"`
	UploadRecordID   uint       `json:"upload_record_id"`
	OutputDir        string     `json:"output_dir"`
	TotalFiles       int        `json:"total_files"`
	ProcessedFiles   int        `json:"processed_files"`
	SuccessFiles     int        `json:"success_files"`
	FailedFiles      int        `json:"failed_files"`
	StartTime        *time.Time `json:"start_time"`
	EndTime          *time.Time `json:"end_time"`
	// Wall-clock seconds between start and reconciliation
	DownloadDuration float64    `json:"download_duration"`
	WorkerCount      int        `gorm:"default:4" json:"worker_count"`
	LogContent       string     `json:"-"`
	LastHeartbeat    *time.Time `json:"last_heartbeat"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// SubTask is the unit of work for one file
type SubTask struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TaskID     uint   `gorm:"index" json:"task_id"`
	SourcePath string `json:"source_path"`
	// Resolved local path; empty until the artifact is written
	TargetPath        string     `json:"target_path"`
	FileType          string     `json:"file_type"`
	ProcessKind       string     `gorm:"index" json:"process_kind"`
	Status            string     `gorm:"index" json:"status"`
	Priority          int        `gorm:"default:0" json:"priority"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `gorm:"default:3" json:"max_attempts"`
	FileSize          int64      `json:"file_size"`
	DownloadStarted   *time.Time `json:"download_started"`
	DownloadCompleted *time.Time `json:"download_completed"`
	Duration          float64    `json:"duration"`
	Speed             float64    `json:"speed"` // bytes/sec
	WorkerID          string     `json:"worker_id"`
	ErrorMessage      string     `json:"error_message"`
	RetryAfter        *time.Time `json:"retry_after"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `gorm:"index" json:"updated_at"`
}

func (SubTask) TableName() string {
	return "sub_tasks"
}

// DownloadLog records one resource-download outcome
type DownloadLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TaskID       uint      `gorm:"index" json:"task_id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	SourcePath   string    `json:"source_path"`
	TargetPath   string    `json:"target_path"`
	FileType     string    `json:"file_type"`
	FileSize     int64     `json:"file_size"`
	Duration     float64   `json:"duration"`
	Speed        float64   `json:"speed"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

func (DownloadLog) TableName() string {
	return "download_logs"
}

// StrmLog records one STRM generation outcome
type StrmLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TaskID       uint      `gorm:"index" json:"task_id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	SourcePath   string    `json:"source_path"`
	TargetPath   string    `json:"target_path"`
	FileType     string    `json:"file_type"`
	FileSize     int64     `json:"file_size"`
	Duration     float64   `json:"duration"`
	Speed        float64   `json:"speed"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

func (StrmLog) TableName() string {
	return "strm_logs"
}

// TaskTerminal reports whether a task status admits no further transitions
// other than the explicit continue action on canceled.
func TaskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCanceled
}

// SubTerminal reports whether a sub-task status is terminal
func SubTerminal(status string) bool {
	return status == SubCompleted || status == SubFailed || status == SubCanceled
}

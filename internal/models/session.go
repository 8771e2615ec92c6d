package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SessionStatusCreating     = "creating"
	SessionStatusInitializing = "initializing"
	SessionStatusRunning      = "running"
	SessionStatusStopping     = "stopping"
	SessionStatusStopped      = "stopped"
	SessionStatusError        = "error"
)

const (
	ActivityLevelActive       = "active"
	ActivityLevelIdle         = "idle"
	ActivityLevelBackground   = "background"
	ActivityLevelDisconnected = "disconnected"
)

// ActiveSessionStatuses are the statuses that hold a container or are about to.
var ActiveSessionStatuses = []string{
	SessionStatusCreating,
	SessionStatusInitializing,
	SessionStatusRunning,
}

// PortHoldingStatuses are the statuses whose ports count as allocated.
var PortHoldingStatuses = []string{
	SessionStatusCreating,
	SessionStatusInitializing,
	SessionStatusRunning,
	SessionStatusStopping,
}

// IsTerminalStatus reports whether a session can no longer make progress.
func IsTerminalStatus(status string) bool {
	return status == SessionStatusStopped || status == SessionStatusError
}

// SessionResources are the quotas applied to a session container.
type SessionResources struct {
	CPU          float64 `json:"cpu"`
	MemoryMB     int64   `json:"memoryMb"`
	StorageMB    int64   `json:"storageMb"`
	BandwidthMbp int64   `json:"bandwidthMbps"`
}

// SessionEnvironment describes the runtime environment inside the container.
type SessionEnvironment struct {
	NodeVersion string            `json:"nodeVersion"`
	EnvVars     map[string]string `json:"envVars,omitempty"`
	MountPath   string            `json:"mountPath"`
}

// QualitySample is one ping observation for a client connection.
type QualitySample struct {
	ConnectionID string    `json:"connectionId"`
	Quality      string    `json:"quality"`
	Staleness    int64     `json:"stalenessMs"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// CleanupRecord notes why a session's resources were reclaimed.
type CleanupRecord struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ConnectionMetrics aggregates connection quality and cleanup history for a session.
type ConnectionMetrics struct {
	LastQuality    string          `json:"lastQuality,omitempty"`
	QualityHistory []QualitySample `json:"qualityHistory,omitempty"`
	CleanupReasons []CleanupRecord `json:"cleanupReasons,omitempty"`
}

const (
	maxQualityHistory = 50
	maxCleanupRecords = 20
)

// AppendQuality adds a sample and keeps the history bounded.
func (m *ConnectionMetrics) AppendQuality(sample QualitySample) {
	m.LastQuality = sample.Quality
	m.QualityHistory = append(m.QualityHistory, sample)
	if len(m.QualityHistory) > maxQualityHistory {
		m.QualityHistory = m.QualityHistory[len(m.QualityHistory)-maxQualityHistory:]
	}
}

// AppendCleanup records a cleanup reason and keeps the list bounded.
func (m *ConnectionMetrics) AppendCleanup(reason string, at time.Time) {
	m.CleanupReasons = append(m.CleanupReasons, CleanupRecord{Reason: reason, At: at})
	if len(m.CleanupReasons) > maxCleanupRecords {
		m.CleanupReasons = m.CleanupReasons[len(m.CleanupReasons)-maxCleanupRecords:]
	}
}

// WorkspaceSession captures the lifecycle of one ephemeral development container.
type WorkspaceSession struct {
	ID            string  `gorm:"primaryKey;column:id" json:"id"`
	UserID        string  `gorm:"index;not null;column:user_id" json:"userId"`
	WorkspaceID   *string `gorm:"index;column:workspace_id" json:"workspaceId"`
	ContainerID   string  `gorm:"column:container_id" json:"containerId,omitempty"`
	ContainerName string  `gorm:"column:container_name" json:"containerName"`

	Status  string `gorm:"index;not null;column:status" json:"status"`
	IsReady bool   `gorm:"column:is_ready" json:"isReady"`
	Error   string `gorm:"column:error" json:"error,omitempty"`

	Port           int    `gorm:"column:port" json:"port"`
	ToolServerPort int    `gorm:"column:tool_server_port" json:"toolServerPort"`
	PreviewURL     string `gorm:"column:preview_url" json:"previewUrl"`

	Resources   datatypes.JSONType[SessionResources]   `gorm:"column:resources" json:"resources"`
	Environment datatypes.JSONType[SessionEnvironment] `gorm:"column:environment" json:"environment"`

	ActivityLevel         string                                `gorm:"column:activity_level" json:"activityLevel"`
	ActiveConnectionCount int                                   `gorm:"column:active_connection_count" json:"activeConnectionCount"`
	LastActivityAt        time.Time                             `gorm:"index;column:last_activity_at" json:"lastActivityAt"`
	GracePeriodEndsAt     *time.Time                            `gorm:"column:grace_period_ends_at" json:"gracePeriodEndsAt,omitempty"`
	ConnectionMetrics     datatypes.JSONType[ConnectionMetrics] `gorm:"column:connection_metrics" json:"connectionMetrics"`

	HasSavedChanges bool       `gorm:"column:has_saved_changes" json:"hasSavedChanges"`
	LastSavedAt     *time.Time `gorm:"column:last_saved_at" json:"lastSavedAt,omitempty"`
	TemplateID      string     `gorm:"column:template_id" json:"templateId,omitempty"`
	ReadyAt         *time.Time `gorm:"column:ready_at" json:"readyAt,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

func (WorkspaceSession) TableName() string {
	return "workspace_sessions"
}

// WorkspaceIDValue returns the workspace id or "" when it has not been assigned yet.
func (s *WorkspaceSession) WorkspaceIDValue() string {
	if s.WorkspaceID == nil {
		return ""
	}
	return *s.WorkspaceID
}

package models

import "time"

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

const (
	RunTriggerManual   = "manual"
	RunTriggerSchedule = "schedule"
	RunTriggerIntake   = "intake"
	RunTriggerEvent    = "event"
	RunTriggerResume   = "resume"
)

// ReconciliationRun is the checkpoint record of one orchestrator run.
type ReconciliationRun struct {
	ID                 string     `gorm:"size:36;primaryKey" json:"id"`
	Trigger            string     `gorm:"size:20;not null;index" json:"trigger"`
	ScopeIdentifier    string     `gorm:"size:64;index" json:"scope_identifier"`
	DryRun             bool       `gorm:"not null;default:false" json:"dry_run"`
	Rebuild            bool       `gorm:"not null;default:false" json:"rebuild"`
	Status             string     `gorm:"size:20;not null;index" json:"status"`
	LastCompletedStage string     `gorm:"size:32" json:"last_completed_stage"`
	ResumePoint        string     `gorm:"size:32" json:"resume_point"`
	ReportJSON         []byte     `gorm:"type:json" json:"-"`
	ErrorMessage       *string    `gorm:"type:text" json:"error_message"`
	CorrelationId      string     `gorm:"size:64;index" json:"correlation_id"`
	StartedAt          time.Time  `gorm:"index" json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReconciliationSkip records one row a run skipped and why.
type ReconciliationSkip struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	RunId      string    `gorm:"size:36;index;not null" json:"run_id"`
	Stage      string    `gorm:"size:32;not null" json:"stage"`
	EntityType string    `gorm:"size:32;not null" json:"entity_type"`
	EntityId   string    `gorm:"size:128;index" json:"entity_id"`
	ErrorCode  string    `gorm:"size:64;not null" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

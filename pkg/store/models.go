package store

import (
	"strings"
	"time"
)

// Run status values. A run moves pending -> running -> one of the three
// terminal states and is never transitioned again.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ProtocolAll selects every configured transport protocol.
const ProtocolAll = "ALL"

// Run represents one experiment attempt.
type Run struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"uniqueIndex;not null" json:"name"`
	Status          string `gorm:"index;not null" json:"status"`
	Profile         string `gorm:"not null" json:"profile"`
	DurationSeconds int    `gorm:"not null" json:"duration_seconds"`

	// ProtocolSelection is a comma-separated protocol list, or "ALL".
	ProtocolSelection string `gorm:"not null" json:"protocol_selection"`

	ProgressPercent int    `json:"progress_percent"`
	CurrentPhase    string `json:"current_phase"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	ErrorMessage    string `json:"error_message,omitempty"`
	OutputDirectory string `json:"output_directory"`

	// ProcessPID is informational only; it identifies the supervised
	// child while the run is running.
	ProcessPID int `json:"process_pid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Protocols splits the protocol selection into individual protocols.
// It returns nil for the "ALL" sentinel.
func (r *Run) Protocols() []string {
	if r.ProtocolSelection == "" || strings.EqualFold(r.ProtocolSelection, ProtocolAll) {
		return nil
	}

	return strings.Split(r.ProtocolSelection, ",")
}

// IsTerminal reports whether the run has reached a terminal status.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// MessageRecord is one observed application message. The messages table is
// populated by the external senders/receivers; this process only reads it.
type MessageRecord struct {
	ID             uint   `gorm:"primaryKey" json:"-"`
	MessageID      string `gorm:"index;not null" json:"message_id"`
	VehicleID      string `gorm:"index;not null" json:"vehicle_id"`
	MessageType    string `gorm:"index;not null" json:"message_type"`
	Protocol       string `gorm:"not null" json:"protocol"`
	SequenceNumber int64  `json:"sequence_number"`

	// Timestamps are unix seconds with fractional precision, as written
	// by the senders. A nil ReceiveTimestamp marks a message that was
	// sent but never delivered.
	SendTimestamp    float64  `gorm:"index;not null" json:"send_timestamp"`
	ReceiveTimestamp *float64 `gorm:"index" json:"receive_timestamp"`

	PayloadSizeBytes int64 `gorm:"column:payload_size" json:"payload_size"`

	CreatedAt time.Time `json:"-"`
}

// TableName keeps the table name compatible with the receiver processes.
func (MessageRecord) TableName() string {
	return "messages"
}

// Delivered reports whether the message has both timestamps and can
// contribute to latency statistics.
func (m *MessageRecord) Delivered() bool {
	return m.ReceiveTimestamp != nil
}

// LatencyMS returns the one-way latency in milliseconds, or 0 for an
// undelivered message.
func (m *MessageRecord) LatencyMS() float64 {
	if m.ReceiveTimestamp == nil {
		return 0
	}

	return (*m.ReceiveTimestamp - m.SendTimestamp) * 1000
}

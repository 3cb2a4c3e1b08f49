package types

import (
	"time"
)

// Device represents an enrolled Android device
type Device struct {
	ID             string
	Alias          string
	HardwareID     string
	TokenHash      string // salted SHA-256 of the device bearer secret
	TokenID        string // short fingerprint of the secret, indexed for point lookup
	TokenRevokedAt *time.Time
	FCMToken       string
	LastSeen       time.Time
	Monitoring     MonitoringSettings
	CreatedAt      time.Time
}

// MonitoringSettings holds per-device monitoring overrides.
// When UseDefaults is true the process-wide defaults apply instead.
type MonitoringSettings struct {
	Package         string
	AppName         string
	ThresholdMin    int
	Enabled         bool
	AutoRelaunch    bool
	UseDefaults     bool
}

// Heartbeat is a single telemetry submission, immutable once written
type Heartbeat struct {
	DeviceID          string
	TS                time.Time
	BatteryPct        int
	NetworkType       string
	SignalDBM         int
	RAMFreeMB         int
	UnityRunning      *bool
	ForegroundRecentS *int // seconds since the monitored app was last foreground; nil = unknown
	AgentVersion      string
	IP                string
	Status            string
}

// LastStatus is the fast-read projection of the most recent heartbeat
type LastStatus struct {
	DeviceID           string
	LastTS             time.Time
	BatteryPct         int
	NetworkType        string
	SignalDBM          int
	UnityRunning       *bool
	ServiceUp          *bool // nil = unknown
	ForegroundRecentS  *int
	MonitoredPackage   string
	MonitoredThreshold int
	AgentVersion       string
	IP                 string
}

// DispatchStatus represents the upstream delivery state of a dispatch
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSent      DispatchStatus = "sent"
	DispatchFailed    DispatchStatus = "failed"
	DispatchCompleted DispatchStatus = "completed"
)

// Dispatch is one row of the durable command dispatch ledger
type Dispatch struct {
	RequestID    string
	DeviceID     string
	Action       string
	Params       map[string]string
	SentAt       time.Time
	PayloadHash  string
	Status       DispatchStatus
	HTTPCode     int
	FCMMessageID string
	LatencyMS    int64
	CompletedAt  *time.Time
	Result       string
	ResultMsg    string
	Retries      int
	ExecID       string // parent exec/bulk record, empty for single dispatches
}

// AlertCondition identifies an evaluated alert condition
type AlertCondition string

const (
	AlertOffline     AlertCondition = "offline"
	AlertLowBattery  AlertCondition = "low_battery"
	AlertUnityDown   AlertCondition = "unity_down"
	AlertServiceDown AlertCondition = "service_down"
)

// AlertStateValue is the current state of a (device, condition) pair
type AlertStateValue string

const (
	AlertOK     AlertStateValue = "ok"
	AlertRaised AlertStateValue = "raised"
)

// AlertState tracks raise/recover state with hysteresis per (device, condition)
type AlertState struct {
	DeviceID              string
	Condition             AlertCondition
	State                 AlertStateValue
	LastRaisedAt          *time.Time
	LastRecoveredAt       *time.Time
	CooldownUntil         *time.Time
	ConsecutiveViolations int
	LastValue             string
}

// EnrollmentTokenStatus is the lifecycle state of an enrollment token
type EnrollmentTokenStatus string

const (
	EnrollmentActive  EnrollmentTokenStatus = "active"
	EnrollmentRevoked EnrollmentTokenStatus = "revoked"
	EnrollmentUsed    EnrollmentTokenStatus = "used"
)

// EnrollmentToken scopes a registration to a requested alias with bounded uses
type EnrollmentToken struct {
	TokenID      string
	TokenHash    string
	Alias        string
	ExpiresAt    time.Time
	UsesAllowed  int
	UsesConsumed int
	Status       EnrollmentTokenStatus
	CreatedAt    time.Time
}

// PartitionState is the lifecycle state of a daily heartbeat partition
type PartitionState string

const (
	PartitionActive        PartitionState = "active"
	PartitionArchived      PartitionState = "archived"
	PartitionArchiveFailed PartitionState = "archive_failed"
	PartitionDropped       PartitionState = "dropped"
)

// Partition is the metadata row for one daily heartbeat partition
type Partition struct {
	Name       string
	RangeStart time.Time
	RangeEnd   time.Time
	State      PartitionState
	RowCount   int64
	BytesSize  int64
	Checksum   string // hex SHA-256 of the archived CSV bytes
	ArchiveURL string
	CreatedAt  time.Time
	ArchivedAt *time.Time
	DroppedAt  *time.Time
}

// Exec is the parent record for a remote-exec or bulk command fan-out
type Exec struct {
	ID          string
	Mode        string // "fcm" or "shell"
	Action      string
	Command     string
	TargetCount int
	AckedCount  int
	ErrorCount  int
	CreatedAt   time.Time
}

// MonitoringDefaults are the process-wide effective settings for devices
// with UseDefaults set
type MonitoringDefaults struct {
	Package      string
	AppName      string
	ThresholdMin int
	Enabled      bool
	AutoRelaunch bool
}

// UnityPackage is the fixed package evaluated for unity_running, with a
// 10-minute foreground threshold
const UnityPackage = "com.unity3d.player"

// UnityThresholdMin is the fixed unity foreground threshold in minutes
const UnityThresholdMin = 10

// Package config holds the Harbinger orchestration core configuration.
//
// Configuration is loaded once at process start and passed explicitly into
// each component at construction time. Components never reach for a global
// settings object.
package config

// Config represents the core configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Backend   BackendConfig   `mapstructure:"backend"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the streaming gateway HTTP server
type ServerConfig struct {
	Port               int      `mapstructure:"port"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	SessionExpiryHours int      `mapstructure:"session_expiry_hours"`
}

// EngineConfig configures the durable execution engine worker pools
type EngineConfig struct {
	// Workers is the number of concurrent workers per task queue
	Workers int `mapstructure:"workers"`

	// PollIntervalSeconds is how often each pool checks for pending instances
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// ExecPools lists the execution task queues this process serves, e.g.
	// "exec-linux-backendA". A queue not listed here is still accepted by
	// the dispatcher; its instances wait until a process serving it starts.
	ExecPools []string `mapstructure:"exec_pools"`

	// SupervisorTickSeconds is the plan supervisor evaluation cadence
	// (default: 60)
	SupervisorTickSeconds int `mapstructure:"supervisor_tick_seconds"`
}

// ExecConfig configures remote command execution activity timeouts.
//
// The two timeouts deliberately separate fast control-plane calls from slow
// data-plane execution: a stalled remote command must never starve routine
// status bookkeeping.
type ExecConfig struct {
	// CommandTimeoutHours bounds the remote command activity itself.
	// Remote executions can legitimately run for months (default: one year).
	CommandTimeoutHours int `mapstructure:"command_timeout_hours"`

	// BookkeepingTimeoutMinutes bounds status updates, output appends and
	// file registration (default: one hour).
	BookkeepingTimeoutMinutes int `mapstructure:"bookkeeping_timeout_minutes"`
}

// ReconcileConfig configures the backend drift reconciliation loop
type ReconcileConfig struct {
	// IntervalSeconds is the fixed reconciliation cadence (default: 60)
	IntervalSeconds int `mapstructure:"interval_seconds"`

	// DriftCheckTimeoutMinutes bounds a single drift-check activity (default: 5)
	DriftCheckTimeoutMinutes int `mapstructure:"drift_check_timeout_minutes"`
}

// BackendConfig configures C2 server container management
type BackendConfig struct {
	// Image is the container image used when creating backend instances
	Image string `mapstructure:"image"`

	// LabelKey marks containers managed by this core (default: "harbinger.backend_id")
	LabelKey string `mapstructure:"label_key"`

	// IDs lists the backend instances whose lifecycle queues this process
	// serves
	IDs []string `mapstructure:"ids"`
}

package config

// SourceConfig describes one watched source on the Agent side.
type SourceConfig struct {
	Driver     string         `yaml:"driver" validate:"required,oneof=fs"`
	URI        string         `yaml:"uri" validate:"required"`
	Credential string         `yaml:"credential"`
	Params     map[string]any `yaml:"driver_params"`
}

// SenderConfig describes one Fusion endpoint the Agent can push to.
type SenderConfig struct {
	Driver     string         `yaml:"driver" validate:"required,oneof=http"`
	URI        string         `yaml:"uri" validate:"required,url"`
	Credential string         `yaml:"credential" validate:"required"`
	Params     map[string]any `yaml:"driver_params"`
}

// AgentPipeConfig binds a source to a sender with its sync cadence.
type AgentPipeConfig struct {
	Source               string   `yaml:"source" validate:"required"`
	Sender               string   `yaml:"sender" validate:"required"`
	AuditIntervalSec     float64  `yaml:"audit_interval_sec"`
	SentinelIntervalSec  float64  `yaml:"sentinel_interval_sec"`
	HeartbeatIntervalSec float64  `yaml:"heartbeat_interval_sec"`
	BatchSize            int      `yaml:"batch_size"`
	Disabled             bool     `yaml:"disabled"`
	FieldsMapping        []string `yaml:"fields_mapping"`
	UseBus               *bool    `yaml:"use_bus"`
}

// AgentConfig is the merged Agent-side configuration namespace.
type AgentConfig struct {
	AgentID string                     `yaml:"agent_id"`
	DataDir string                     `yaml:"data_dir"`
	Sources map[string]SourceConfig    `yaml:"sources" validate:"dive"`
	Senders map[string]SenderConfig    `yaml:"senders" validate:"dive"`
	Pipes   map[string]AgentPipeConfig `yaml:"pipes" validate:"dive"`
}

// APIKeyConfig maps an opaque credential to a pipe.
type APIKeyConfig struct {
	Key    string `yaml:"key" validate:"required"`
	PipeID string `yaml:"pipe_id" validate:"required"`
}

// ReceiverConfig describes one listening HTTP receiver on the Fusion side.
type ReceiverConfig struct {
	Driver   string         `yaml:"driver" validate:"required,oneof=http"`
	BindHost string         `yaml:"bind_host"`
	Port     int            `yaml:"port" validate:"required,min=1,max=65535"`
	APIKeys  []APIKeyConfig `yaml:"api_keys" validate:"required,dive"`
	Disabled bool           `yaml:"disabled"`
}

// ViewConfig describes one queryable view.
type ViewConfig struct {
	Driver   string         `yaml:"driver" validate:"required,oneof=fs"`
	Params   map[string]any `yaml:"driver_params"`
	Disabled bool           `yaml:"disabled"`
}

// FusionPipeConfig binds a receiver to one or more views.
type FusionPipeConfig struct {
	Receiver              string   `yaml:"receiver" validate:"required"`
	Views                 []string `yaml:"views" validate:"required,min=1"`
	AllowConcurrentPush   bool     `yaml:"allow_concurrent_push"`
	SessionTimeoutSeconds float64  `yaml:"session_timeout_seconds"`
	AuditIntervalSec      float64  `yaml:"audit_interval_sec"`
	SentinelIntervalSec   float64  `yaml:"sentinel_interval_sec"`
	Disabled              bool     `yaml:"disabled"`
}

// FusionConfig is the merged Fusion-side configuration namespace.
type FusionConfig struct {
	Receivers map[string]ReceiverConfig   `yaml:"receivers" validate:"dive"`
	Views     map[string]ViewConfig       `yaml:"views" validate:"dive"`
	Pipes     map[string]FusionPipeConfig `yaml:"pipes" validate:"dive"`
}

// FS source driver parameter keys recognized in SourceConfig.Params. Other
// keys are ignored.
const (
	ParamThrottleInterval = "throttle_interval_sec"
	ParamScanWorkers      = "scan_workers"
	ParamHotFileThreshold = "hot_file_threshold"
)

// FloatParam reads a float driver param with a default. YAML decodes numbers
// as int or float64 depending on their literal form.
func FloatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

// IntParam reads an int driver param with a default.
func IntParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

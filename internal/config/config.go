package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all recognized options for the capture, receive, classify and
// sweep daemons. Every value comes from the environment (ZAKU_* variables),
// optionally seeded from a .env file. A daemon must not start processing with
// an invalid configuration: call the Validate method matching the daemon
// before doing any work.
type Config struct {
	// Capture host
	CaptureDir    string        // where building/sealed archives live
	ImageDir      string        // latest.jpg target for snapshots
	SaveFPS       float64       // continuous-mode save cadence, frames/sec
	CadenceWindow time.Duration // seconds per archive
	HTTPAddr      string        // health/control listen address
	MaxClients    int           // preview client cap, reported via /health
	CameraDevice  int           // gocv capture device id

	// Transfer
	RemoteUser string
	RemoteHost string
	RemotePath string // remote incoming directory
	SSHKeyPath string
	SSHTimeout time.Duration

	// Storage host
	IncomingDir  string
	ProcessedDir string
	EventsDir    string
	LogsDir      string
	StatePath    string
	MetricsAddr  string

	// Shared pipeline knobs
	StableAge    time.Duration // quiescence threshold
	PollInterval time.Duration
	Threshold    float64 // detection confidence threshold
	MinImages    int     // classifier lower bound per folder
	Retention    time.Duration

	// Detector model
	ModelPath       string
	ModelConfigPath string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present but never required.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		CaptureDir:    getEnv("ZAKU_CAPTURE_DIR", filepath.Join(".", "webdata", "captures")),
		ImageDir:      getEnv("ZAKU_IMAGE_DIR", filepath.Join(".", "webdata")),
		SaveFPS:       getEnvAsFloat("ZAKU_CONT_FPS", 3),
		CadenceWindow: getEnvAsSeconds("ZAKU_CONT_SEC", 180),
		HTTPAddr:      getEnv("ZAKU_HTTP_ADDR", ":8080"),
		MaxClients:    getEnvAsInt("ZAKU_MAX_CLIENTS", 5),
		CameraDevice:  getEnvAsInt("ZAKU_CAMERA_DEVICE", 0),

		RemoteUser: getEnv("ZAKU_NAS_USER", "piuser"),
		RemoteHost: getEnv("ZAKU_NAS_HOST", ""),
		RemotePath: getEnv("ZAKU_NAS_PATH", "/mnt/storage/cam_uploads/incoming"),
		SSHKeyPath: getEnv("ZAKU_SSH_KEY", ""),
		SSHTimeout: getEnvAsSeconds("ZAKU_SSH_TIMEOUT_SEC", 5),

		IncomingDir:  getEnv("ZAKU_INCOMING_DIR", "/mnt/storage/cam_uploads/incoming"),
		ProcessedDir: getEnv("ZAKU_PROCESSED_DIR", "/mnt/storage/cam_uploads/processed"),
		EventsDir:    getEnv("ZAKU_EVENTS_DIR", "/mnt/storage/cam_uploads/events"),
		LogsDir:      getEnv("ZAKU_LOGS_DIR", "/mnt/storage/cam_uploads/logs"),
		StatePath:    getEnv("ZAKU_STATE_PATH", "/mnt/storage/cam_uploads/logs/worker_state.json"),
		MetricsAddr:  getEnv("ZAKU_METRICS_ADDR", ":9090"),

		StableAge:    getEnvAsSeconds("ZAKU_STABLE_SEC", 15),
		PollInterval: getEnvAsSeconds("ZAKU_POLL_SEC", 10),
		Threshold:    getEnvAsFloat("ZAKU_THRESHOLD", 0.30),
		MinImages:    getEnvAsInt("ZAKU_MIN_IMAGES", 1),
		Retention:    getEnvAsDays("ZAKU_RETENTION_DAYS", 7),

		ModelPath:       getEnv("ZAKU_MODEL", ""),
		ModelConfigPath: getEnv("ZAKU_MODEL_CONFIG", ""),
	}
}

// ValidateCommon checks knobs shared by every daemon.
func (c *Config) ValidateCommon() error {
	if c.StableAge <= 0 {
		return fmt.Errorf("quiescence threshold must be positive, got %s", c.StableAge)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// ValidateCapture checks everything the capture daemon needs, including the
// transfer credentials: a capture host that cannot ship archives must refuse
// to start rather than pile them up silently.
func (c *Config) ValidateCapture() error {
	if err := c.ValidateCommon(); err != nil {
		return err
	}
	if c.SaveFPS <= 0 {
		return fmt.Errorf("save cadence must be positive, got %g fps", c.SaveFPS)
	}
	if c.CadenceWindow <= 0 {
		return fmt.Errorf("cadence window must be positive, got %s", c.CadenceWindow)
	}
	if c.RemoteHost == "" {
		return fmt.Errorf("ZAKU_NAS_HOST is required")
	}
	if c.SSHKeyPath == "" {
		return fmt.Errorf("ZAKU_SSH_KEY is required")
	}
	if _, err := os.Stat(c.SSHKeyPath); err != nil {
		return fmt.Errorf("ssh key not readable: %w", err)
	}
	return nil
}

// ValidateClassify checks the classification worker's knobs.
func (c *Config) ValidateClassify() error {
	if err := c.ValidateCommon(); err != nil {
		return err
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("detection threshold must be in [0,1], got %g", c.Threshold)
	}
	if c.MinImages < 1 {
		return fmt.Errorf("minimum image count must be at least 1, got %d", c.MinImages)
	}
	return nil
}

// ValidateSweep checks the retention sweeper's knobs.
func (c *Config) ValidateSweep() error {
	if c.Retention <= 0 {
		return fmt.Errorf("retention window must be positive, got %s", c.Retention)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}

func getEnvAsDays(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * 24 * time.Hour
}

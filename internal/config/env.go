package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".mergeguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"mergeguild/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// Postgres settings (used when Type == "postgres")
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
}

type EngineEnv struct {
	TrunkPath     string        `envconfig:"TRUNK_PATH" default:".mergeguild/trunk"`
	LeaseDuration time.Duration `envconfig:"LEASE_DURATION" default:"30m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	// WorkerTimeout is how long a worker may go without a heartbeat before
	// the sweeper treats it as dead and reclaims its tasks.
	WorkerTimeout  time.Duration `envconfig:"WORKER_TIMEOUT" default:"10m"`
	RetryAttempts  int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBackoff   time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`
	RescanInterval time.Duration `envconfig:"RESCAN_INTERVAL" default:"15s"`
	PostMergeHooks []string      `envconfig:"POST_MERGE_HOOKS"`
	PostSyncHooks  []string      `envconfig:"POST_SYNC_HOOKS"`
	HookTimeout    time.Duration `envconfig:"HOOK_TIMEOUT" default:"1m"`
	WatchLedgers   bool          `envconfig:"WATCH_LEDGERS" default:"false"`
}

type Env struct {
	BaseEnv
	StorageEnv
	EngineEnv
}

const namespace = "MERGEGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

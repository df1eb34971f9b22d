// ============================================================================
// Fin-Analysis 配置 - YAML 載入、預設值與驗證
// ============================================================================
//
// Package: internal/config
// 文件: config.go
//
// 載入順序:
//   1. 以 Default() 建立預設值
//   2. 讀取 YAML 檔覆蓋（檔案不存在時返回錯誤）
//   3. Validate() 檢查工作者類別、後端與補全服務設定
//
// 空的 redis.addr 代表使用進程內的 Lease / Registry（單機模式）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fin-analysis/internal/lease"
	"github.com/ChuLiYu/fin-analysis/internal/store"
	"github.com/ChuLiYu/fin-analysis/internal/taskqueue"
)

// Config 完整系統配置，透過 YAML 標籤對應配置檔欄位
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port"`
		GRPCPort int `yaml:"grpc_port"` // 0 表示不啟動 gRPC health
	} `yaml:"server"`

	Worker struct {
		AggregateWorkers   int           `yaml:"aggregate_workers"`
		CoordinatorWorkers int           `yaml:"coordinator_workers"`
		LeafWorkers        int           `yaml:"leaf_workers"`
		QueueSize          int           `yaml:"queue_size"`
		LeafTimeout        time.Duration `yaml:"leaf_timeout"`
		JobTimeout         time.Duration `yaml:"job_timeout"`
		Retention          time.Duration `yaml:"retention"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
	} `yaml:"worker"`

	Lease struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"lease"`

	Redis struct {
		Addr     string `yaml:"addr"`
		DB       int    `yaml:"db"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Store struct {
		Driver string `yaml:"driver"` // memory | sqlite | mysql | postgres
		DSN    string `yaml:"dsn"`
		MySQL  struct {
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Addr     string `yaml:"addr"`
			Database string `yaml:"database"`
		} `yaml:"mysql"`
	} `yaml:"store"`

	Archive struct {
		Endpoint  string `yaml:"endpoint"` // 空字串表示停用
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"archive"`

	Completion struct {
		Provider  string `yaml:"provider"` // openai | gemini | fake
		Model     string `yaml:"model"`
		BaseURL   string `yaml:"base_url"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"completion"`

	Source struct {
		Fixtures string `yaml:"fixtures"`
	} `yaml:"source"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		WALPath  string        `yaml:"wal_path"` // 需搭配 path
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	q := taskqueue.DefaultConfig()

	var c Config
	c.Server.HTTPPort = 8080
	c.Worker.AggregateWorkers = q.AggregateWorkers
	c.Worker.CoordinatorWorkers = q.CoordinatorWorkers
	c.Worker.LeafWorkers = q.LeafWorkers
	c.Worker.QueueSize = q.QueueSize
	c.Worker.LeafTimeout = q.LeafTimeout
	c.Worker.JobTimeout = q.JobTimeout
	c.Worker.Retention = q.Retention
	c.Worker.SweepInterval = q.SweepInterval
	c.Lease.TTL = lease.DefaultTTL
	c.Store.Driver = "memory"
	c.Archive.Bucket = "fin-analysis"
	c.Completion.Provider = "openai"
	c.Completion.APIKeyEnv = "OPENAI_API_KEY"
	c.Snapshot.Interval = q.SnapshotInterval
	c.Metrics.Enabled = true
	c.Log.Level = "info"
	c.Log.Format = "json"
	return &c
}

// Load 讀取 YAML 配置檔並套用於預設值之上
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := c.Queue().Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if c.Lease.TTL <= 0 {
		return errors.New("lease: ttl must be positive")
	}
	if c.Worker.JobTimeout > c.Lease.TTL {
		return fmt.Errorf("worker: job_timeout %s exceeds lease ttl %s", c.Worker.JobTimeout, c.Lease.TTL)
	}

	switch c.Store.Driver {
	case "memory":
	case store.DriverSQLite, store.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn is required for driver %s", c.Store.Driver)
		}
	case store.DriverMySQL:
		if c.Store.DSN == "" && c.Store.MySQL.Addr == "" {
			return errors.New("store: mysql needs dsn or mysql.addr")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	switch c.Completion.Provider {
	case "openai", "gemini", "fake":
	default:
		return fmt.Errorf("completion: unknown provider %q", c.Completion.Provider)
	}

	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return errors.New("archive: bucket is required when endpoint is set")
	}
	return nil
}

// Queue 轉換為任務佇列配置
func (c *Config) Queue() taskqueue.Config {
	return taskqueue.Config{
		AggregateWorkers:   c.Worker.AggregateWorkers,
		CoordinatorWorkers: c.Worker.CoordinatorWorkers,
		LeafWorkers:        c.Worker.LeafWorkers,
		QueueSize:          c.Worker.QueueSize,
		LeafTimeout:        c.Worker.LeafTimeout,
		JobTimeout:         c.Worker.JobTimeout,
		Retention:          c.Worker.Retention,
		SweepInterval:      c.Worker.SweepInterval,
		SnapshotInterval:   c.Snapshot.Interval,
		SnapshotPath:       c.Snapshot.Path,
		WALPath:            c.Snapshot.WALPath,
	}
}

// StoreDSN 返回資料庫連線字串；mysql 未指定 dsn 時由個別欄位組成
func (c *Config) StoreDSN() string {
	if c.Store.Driver == store.DriverMySQL && c.Store.DSN == "" {
		m := c.Store.MySQL
		return store.MySQLDSN(m.User, m.Password, m.Addr, m.Database)
	}
	return c.Store.DSN
}

// APIKey 從環境變數讀取補全服務金鑰
func (c *Config) APIKey() string {
	if c.Completion.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Completion.APIKeyEnv)
}

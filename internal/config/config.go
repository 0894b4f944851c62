package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 pardond 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Agent        AgentConfig        `json:"agent"`
	Relay        RelayConfig        `json:"relay"`
	Payment      PaymentConfig      `json:"payment"`
	Facilitator  FacilitatorConfig  `json:"facilitator"`
	Intermediary IntermediaryConfig `json:"intermediary"`
	Queue        QueueConfig        `json:"queue"`
	Worker       WorkerConfig       `json:"worker"`
	Reasoning    ReasoningConfig    `json:"reasoning"`
	Scoring      ScoringConfig      `json:"scoring"`
	Log          LogConfig          `json:"log"`
}

// ServerConfig 控制运维 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AgentConfig 描述当前进程承载的会话角色。
type AgentConfig struct {
	ID               string `json:"id"`
	HumanProxyID     string `json:"human_proxy_id"`
	StalenessSeconds int    `json:"staleness_seconds"`
}

// RelayConfig 描述消息中继的访问方式。
type RelayConfig struct {
	BaseURL               string `json:"base_url"`
	WaitTimeoutMs         int    `json:"wait_timeout_ms"`
	SendTimeoutSeconds    int    `json:"send_timeout_seconds"`
	HistoryTimeoutSeconds int    `json:"history_timeout_seconds"`
}

// PaymentConfig 描述支付校验与台账的运行参数。
type PaymentConfig struct {
	RPCURL            string            `json:"rpc_url"`
	Treasury          string            `json:"treasury"`
	Wallets           map[string]string `json:"wallets"`
	CatalogPath       string            `json:"catalog_path"`
	ContentPath       string            `json:"content_path"`
	RequestTTLSeconds int               `json:"request_ttl_seconds"`
	Ledger            LedgerConfig      `json:"ledger"`
}

// LedgerConfig 统一描述内存与 MySQL 台账后端的连接信息。
type LedgerConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// FacilitatorConfig 描述外部结算服务的访问方式。
type FacilitatorConfig struct {
	Enabled              bool   `json:"enabled"`
	BaseURL              string `json:"base_url"`
	VerifyTimeoutSeconds int    `json:"verify_timeout_seconds"`
	SubmitTimeoutSeconds int    `json:"submit_timeout_seconds"`
}

// IntermediaryConfig 描述跨实例协调状态的后端与过期策略。
type IntermediaryConfig struct {
	BaseURL               string `json:"base_url"`
	TTLSeconds            int    `json:"ttl_seconds"`
	CheckTimeoutSeconds   int    `json:"check_timeout_seconds"`
	PersistTimeoutSeconds int    `json:"persist_timeout_seconds"`
}

// QueueConfig 描述工作队列的驱动选择。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// WorkerConfig 控制并发处理通道的数量与超时。
type WorkerConfig struct {
	Count                int `json:"count"`
	QueueSize            int `json:"queue_size"`
	InvokeTimeoutSeconds int `json:"invoke_timeout_seconds"`
}

// ReasoningConfig 描述下游推理服务的访问方式。
type ReasoningConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ScoringConfig 描述评分侧信道，失败不影响主流程。
type ScoringConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
}

// LogConfig 控制结构化日志与审计日志的输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if cfg.Agent.ID == "" {
		return nil, errors.New("agent.id 不能为空")
	}
	if cfg.Relay.BaseURL == "" {
		return nil, errors.New("relay.base_url 不能为空")
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Agent.HumanProxyID == "" {
		c.Agent.HumanProxyID = "sbf"
	}
	if c.Agent.StalenessSeconds <= 0 {
		c.Agent.StalenessSeconds = 300
	}

	if c.Relay.WaitTimeoutMs <= 0 {
		c.Relay.WaitTimeoutMs = 600000
	}
	if c.Relay.SendTimeoutSeconds <= 0 {
		c.Relay.SendTimeoutSeconds = 10
	}
	if c.Relay.HistoryTimeoutSeconds <= 0 {
		c.Relay.HistoryTimeoutSeconds = 2
	}

	if c.Payment.RequestTTLSeconds <= 0 {
		c.Payment.RequestTTLSeconds = 600
	}
	if c.Payment.Ledger.Driver == "" {
		c.Payment.Ledger.Driver = "memory"
	}
	if c.Payment.CatalogPath != "" && !filepath.IsAbs(c.Payment.CatalogPath) {
		c.Payment.CatalogPath = filepath.Join(baseDir, c.Payment.CatalogPath)
	}
	if c.Payment.ContentPath != "" && !filepath.IsAbs(c.Payment.ContentPath) {
		c.Payment.ContentPath = filepath.Join(baseDir, c.Payment.ContentPath)
	}

	if c.Facilitator.VerifyTimeoutSeconds <= 0 {
		c.Facilitator.VerifyTimeoutSeconds = 30
	}
	if c.Facilitator.SubmitTimeoutSeconds <= 0 {
		c.Facilitator.SubmitTimeoutSeconds = 60
	}

	if c.Intermediary.TTLSeconds <= 0 {
		c.Intermediary.TTLSeconds = 600
	}
	if c.Intermediary.CheckTimeoutSeconds <= 0 {
		c.Intermediary.CheckTimeoutSeconds = 2
	}
	if c.Intermediary.PersistTimeoutSeconds <= 0 {
		c.Intermediary.PersistTimeoutSeconds = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Worker.Count <= 0 {
		c.Worker.Count = 3
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 256
	}
	if c.Worker.InvokeTimeoutSeconds <= 0 {
		c.Worker.InvokeTimeoutSeconds = 105
	}

	if c.Reasoning.TimeoutSeconds <= 0 {
		c.Reasoning.TimeoutSeconds = 90
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// StalenessWindow 返回丢弃陈旧消息的时间窗口。
func (c *AgentConfig) StalenessWindow() time.Duration {
	return time.Duration(c.StalenessSeconds) * time.Second
}

// RequestTTL 返回支付请求的有效期。
func (c *PaymentConfig) RequestTTL() time.Duration {
	return time.Duration(c.RequestTTLSeconds) * time.Second
}

// TTL 返回协调状态的有效期。
func (c *IntermediaryConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// InvokeTimeout 返回单次推理调用的硬超时。
func (c *WorkerConfig) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutSeconds) * time.Second
}

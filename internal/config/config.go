package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"trustchain-custody/common/config"
)

// Config 监管链服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 遥测阈值（按部署/品类校准，冷链与常温不同）
	Thresholds struct {
		TempLow      float64 // 温度下限（°C）
		TempHigh     float64 // 温度上限（°C）
		HumidityLow  float64 // 湿度下限（%）
		HumidityHigh float64 // 湿度上限（%）

		// GPS 零值哨兵容差：|lat| 与 |lon| 均小于该值视为未定位
		GPSZeroTolerance float64
	}

	// 账本网关配置
	Ledger struct {
		GatewayURL      string        // 账本网关地址
		SigningKey      string        // 默认签名私钥
		DispatchTimeout time.Duration // 单次写入超时
		MaxRetries      int           // 写入失败后的有限重试次数
		RetryBackoff    time.Duration // 初始退避时间（指数增长）
		PollInterval    time.Duration // 事件轮询间隔
		EventBatchSize  int           // 单次轮询拉取的事件数

		// 合约名 → 地址，启动时构建只读注册表
		Contracts map[string]string
	}

	// 设备接入配置
	Device struct {
		Topic string // 设备遥测主题，如 "trustchain/device/+/telemetry"
	}

	// 监管策略配置
	Policy struct {
		RulesFile string // custody_rules 表为空时的 YAML 规则文件（部署种子）
	}

	// Redis 缓存与流配置
	Cache struct {
		HolderKeyPrefix string // 监管方缓存键前缀，如 "custody:holder:"
		HolderTTL       int    // 监管方缓存 TTL（秒）
		DedupKeyPrefix  string // 账本写入/事件去重键前缀，如 "ledger:seen:"
		DedupTTL        int    // 去重键 TTL（秒）
	}

	Streams struct {
		Alerts string // 告警输出流
		Events string // 监管链事件输出流（触发下游服务）
	}

	Metrics struct {
		Addr string // Prometheus /metrics 监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "trustchain")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "trustchain-custody")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	// 默认阈值取自现场设备出厂配置（常温运输）
	cfg.Thresholds.TempLow = getEnvFloat("TEMP_LOW", -10)
	cfg.Thresholds.TempHigh = getEnvFloat("TEMP_HIGH", 50)
	cfg.Thresholds.HumidityLow = getEnvFloat("HUMIDITY_LOW", 10)
	cfg.Thresholds.HumidityHigh = getEnvFloat("HUMIDITY_HIGH", 90)
	cfg.Thresholds.GPSZeroTolerance = getEnvFloat("GPS_ZERO_TOLERANCE", 1e-6)

	cfg.Ledger.GatewayURL = getEnv("LEDGER_GATEWAY_URL", "http://localhost:8545")
	cfg.Ledger.SigningKey = getEnv("LEDGER_SIGNING_KEY", "")
	cfg.Ledger.DispatchTimeout = time.Duration(getEnvInt("LEDGER_DISPATCH_TIMEOUT", 10)) * time.Second
	cfg.Ledger.MaxRetries = getEnvInt("LEDGER_MAX_RETRIES", 3)
	cfg.Ledger.RetryBackoff = time.Duration(getEnvInt("LEDGER_RETRY_BACKOFF_MS", 500)) * time.Millisecond
	cfg.Ledger.PollInterval = time.Duration(getEnvInt("LEDGER_POLL_INTERVAL", 2)) * time.Second
	cfg.Ledger.EventBatchSize = getEnvInt("LEDGER_EVENT_BATCH_SIZE", 50)

	// 合约地址为空的不加载（与链上部署保持一致）
	cfg.Ledger.Contracts = map[string]string{
		"distributor":  getEnv("DISTRIBUTOR_CONTRACT_ADDRESS", ""),
		"manufacturer": getEnv("MANUFACTURER_CONTRACT_ADDRESS", ""),
		"iot_tracker":  getEnv("IOTTRACKER_CONTRACT_ADDRESS", ""),
		"pharmacy":     getEnv("PHARMACY_CONTRACT_ADDRESS", ""),
	}

	cfg.Device.Topic = getEnv("DEVICE_TOPIC", "trustchain/device/+/telemetry")

	cfg.Policy.RulesFile = getEnv("CUSTODY_RULES_FILE", "")

	cfg.Cache.HolderKeyPrefix = getEnv("CACHE_HOLDER_PREFIX", "custody:holder:")
	cfg.Cache.HolderTTL = getEnvInt("CACHE_HOLDER_TTL", 60)
	cfg.Cache.DedupKeyPrefix = getEnv("CACHE_DEDUP_PREFIX", "ledger:seen:")
	cfg.Cache.DedupTTL = getEnvInt("CACHE_DEDUP_TTL", 86400)

	cfg.Streams.Alerts = getEnv("STREAM_ALERTS", "custody:alerts")
	cfg.Streams.Events = getEnv("STREAM_EVENTS", "custody:events")

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Thresholds.TempLow >= cfg.Thresholds.TempHigh {
		return nil, fmt.Errorf("invalid temperature thresholds: low=%f high=%f",
			cfg.Thresholds.TempLow, cfg.Thresholds.TempHigh)
	}
	if cfg.Thresholds.HumidityLow >= cfg.Thresholds.HumidityHigh {
		return nil, fmt.Errorf("invalid humidity thresholds: low=%f high=%f",
			cfg.Thresholds.HumidityLow, cfg.Thresholds.HumidityHigh)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

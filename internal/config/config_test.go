package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "trustchain", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "trustchain-custody", cfg.MQTT.ClientID)

	assert.Equal(t, float64(-10), cfg.Thresholds.TempLow)
	assert.Equal(t, float64(50), cfg.Thresholds.TempHigh)
	assert.Equal(t, float64(10), cfg.Thresholds.HumidityLow)
	assert.Equal(t, float64(90), cfg.Thresholds.HumidityHigh)

	assert.Equal(t, "http://localhost:8545", cfg.Ledger.GatewayURL)
	assert.Equal(t, 10*time.Second, cfg.Ledger.DispatchTimeout)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Ledger.PollInterval)

	assert.Equal(t, "trustchain/device/+/telemetry", cfg.Device.Topic)
	assert.Equal(t, "custody:holder:", cfg.Cache.HolderKeyPrefix)
	assert.Equal(t, "custody:alerts", cfg.Streams.Alerts)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("TEMP_HIGH", "30")
	os.Setenv("TEMP_LOW", "2")
	os.Setenv("LEDGER_GATEWAY_URL", "http://ledger:8545")
	os.Setenv("LEDGER_MAX_RETRIES", "5")
	os.Setenv("DEVICE_TOPIC", "cold-chain/+/frames")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, float64(30), cfg.Thresholds.TempHigh)
	assert.Equal(t, float64(2), cfg.Thresholds.TempLow)
	assert.Equal(t, "http://ledger:8545", cfg.Ledger.GatewayURL)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, "cold-chain/+/frames", cfg.Device.Topic)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestLoad_InvalidThresholds(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEMP_LOW", "60")
	os.Setenv("TEMP_HIGH", "30")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid temperature thresholds")

	os.Clearenv()
}

func TestGetEnvFloat(t *testing.T) {
	os.Clearenv()

	// 测试默认值
	value := getEnvFloat("TEST_FLOAT", 1.5)
	assert.Equal(t, 1.5, value)

	// 测试环境变量存在
	os.Setenv("TEST_FLOAT", "2.5")
	value = getEnvFloat("TEST_FLOAT", 1.5)
	assert.Equal(t, 2.5, value)

	// 非法值回退到默认值
	os.Setenv("TEST_FLOAT", "not-a-number")
	value = getEnvFloat("TEST_FLOAT", 1.5)
	assert.Equal(t, 1.5, value)

	os.Unsetenv("TEST_FLOAT")
}

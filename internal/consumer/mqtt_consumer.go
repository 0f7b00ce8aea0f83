package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"trustchain-custody/common/mqtt"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/service"

	"go.uber.org/zap"
)

// MQTTConsumer 设备遥测消费者
//
// 订阅设备遥测主题，按主题中的设备段维护会话：
// 帧缓冲与身份粘滞都挂在会话上，同一设备的消息按到达顺序处理
// （paho 默认按序回调），跨设备互不影响。
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	pipeline   *service.Pipeline
	logger     *zap.Logger

	// 会话表只在回调中写，锁只保护表本身
	mu       sync.Mutex
	sessions map[string]*service.DeviceSession
}

// NewMQTTConsumer 创建设备遥测消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	pipeline *service.Pipeline,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		pipeline:   pipeline,
		logger:     logger,
		sessions:   make(map[string]*service.DeviceSession),
	}
}

// Start 订阅设备遥测主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	topic := c.config.Device.Topic

	err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, func(msgTopic string, payload []byte) error {
		return c.handleMessage(ctx, msgTopic, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to device topic: %w", err)
	}

	c.logger.Info("Device telemetry consumer started", zap.String("topic", topic))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() error {
	if err := c.mqttClient.Unsubscribe(c.config.Device.Topic); err != nil {
		return err
	}
	c.logger.Info("Device telemetry consumer stopped")
	return nil
}

// handleMessage 处理一条设备消息
// 单条消息可能携带半帧、整帧或多帧，全部交给流水线的帧解码器
func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := DeviceIDFromTopic(topic)
	if err != nil {
		c.logger.Warn("Ignoring message on unexpected topic", zap.String("topic", topic))
		return nil
	}

	session := c.session(deviceID)
	result := c.pipeline.Submit(ctx, session, string(payload))

	if result.Accepted > 0 || len(result.Alerts) > 0 {
		c.logger.Debug("Processed device payload",
			zap.String("device_id", deviceID),
			zap.Int("accepted", result.Accepted),
			zap.Int("transitions", result.Transitions),
			zap.Int("alerts", len(result.Alerts)),
		)
	}
	return nil
}

// session 取设备会话，不存在则创建
func (c *MQTTConsumer) session(deviceID string) *service.DeviceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[deviceID]
	if !ok {
		session = service.NewDeviceSession(deviceID)
		c.sessions[deviceID] = session
		c.logger.Info("New device session", zap.String("device_id", deviceID))
	}
	return session
}

// DeviceIDFromTopic 从主题提取设备段
// 主题形如 "trustchain/device/<device_id>/telemetry"
func DeviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[2] == "" {
		return "", fmt.Errorf("unexpected topic format: %s", topic)
	}
	return parts[2], nil
}

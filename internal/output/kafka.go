package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"approvalscan/internal/config"
	"approvalscan/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DefaultReportTopic 报告默认topic
const DefaultReportTopic = "approval_scan_reports"

// NewSaramaConfig 生产者与消费者共用的sarama配置
func NewSaramaConfig(cfg *config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true
	sc.Producer.Timeout = 5 * time.Second
	sc.Version = sarama.V2_8_0_0

	if cfg == nil {
		return sc, nil
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("解析Kafka版本失败: %w", err)
		}
		sc.Version = version
	}
	return sc, nil
}

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(cfg *config.KafkaConfig, topic string, logger *logrus.Logger) (*KafkaOutput, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka brokers")
	}
	logger.Infof("初始化Kafka输出器，brokers: %v", cfg.Brokers)

	sc, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topic, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaOutput {
	if topic == "" {
		topic = DefaultReportTopic
	}
	return &KafkaOutput{logger: logger, topic: topic, producer: producer}
}

// PublishScan 以钱包地址为key发送报告，同一钱包的报告落在同一分区
func (k *KafkaOutput) PublishScan(ctx context.Context, report *models.ScanReport) error {
	if report == nil {
		return nil
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化扫描报告失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(report.WalletAddress),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("扫描报告 %s 已发送到 topic '%s' (partition: %d, offset: %d)",
		report.ScanID, k.topic, partition, offset)
	return nil
}

// Close 关闭生产者
func (k *KafkaOutput) Close() error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("关闭Kafka生产者失败: %w", err)
	}
	k.logger.Info("Kafka输出器已关闭")
	return nil
}

package tasks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"approvalscan/internal/config"
	"approvalscan/internal/output"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DefaultTaskTopic 任务默认topic
const DefaultTaskTopic = "approval_scan_tasks"

// KafkaQueue 基于Kafka的任务队列，生产与消费可以在不同进程
type KafkaQueue struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	logger   *logrus.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKafkaQueue 创建生产者；consume为true时同时加入消费组
func NewKafkaQueue(kafkaCfg *config.KafkaConfig, taskCfg *config.TaskConfig, consume bool, logger *logrus.Logger) (*KafkaQueue, error) {
	if kafkaCfg == nil || len(kafkaCfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka brokers")
	}
	sc, err := output.NewSaramaConfig(kafkaCfg)
	if err != nil {
		return nil, err
	}
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(kafkaCfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	var group sarama.ConsumerGroup
	if consume {
		group, err = sarama.NewConsumerGroup(kafkaCfg.Brokers, taskCfg.GroupID, sc)
		if err != nil {
			_ = producer.Close()
			return nil, fmt.Errorf("创建Kafka消费组失败: %w", err)
		}
	}

	logger.Infof("Kafka任务队列已创建，brokers: %v，topic: %s", kafkaCfg.Brokers, taskCfg.Topic)
	return NewKafkaQueueWithClients(producer, group, taskCfg.Topic, logger), nil
}

// NewKafkaQueueWithClients 使用已有的生产者与消费组，group可为nil
func NewKafkaQueueWithClients(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic string, logger *logrus.Logger) *KafkaQueue {
	if topic == "" {
		topic = DefaultTaskTopic
	}
	return &KafkaQueue{producer: producer, group: group, topic: topic, logger: logger}
}

// Enqueue 以钱包地址为key发送任务
func (q *KafkaQueue) Enqueue(ctx context.Context, task *ScanTask) error {
	if q.producer == nil {
		return fmt.Errorf("任务队列未配置生产者")
	}
	data, err := task.Encode()
	if err != nil {
		return fmt.Errorf("序列化扫描任务失败: %w", err)
	}
	partition, offset, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(task.WalletAddress),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("发送扫描任务失败: %w", err)
	}
	q.logger.WithField("task_id", task.TaskID).Debugf("扫描任务已发送 (partition: %d, offset: %d)", partition, offset)
	return nil
}

// Start 在后台消费任务直到ctx结束
func (q *KafkaQueue) Start(ctx context.Context, handler Handler) error {
	if q.group == nil {
		return fmt.Errorf("任务队列未配置消费组")
	}

	h := &consumerHandler{handler: handler, logger: q.logger}
	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		for {
			if err := q.group.Consume(ctx, []string{q.topic}, h); err != nil {
				if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				q.logger.Errorf("消费扫描任务出错: %v", err)
				time.Sleep(300 * time.Millisecond)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer q.wg.Done()
		for err := range q.group.Errors() {
			q.logger.Warnf("Kafka消费组错误: %v", err)
		}
	}()

	q.logger.Infof("开始消费扫描任务，topic: %s", q.topic)
	return nil
}

// Close 关闭生产者与消费组
func (q *KafkaQueue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		if q.group != nil {
			if err := q.group.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭Kafka消费组失败: %w", err))
			}
		}
		if q.producer != nil {
			if err := q.producer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭Kafka生产者失败: %w", err))
			}
		}
	})
	q.wg.Wait()
	return stderrors.Join(errs...)
}

// consumerHandler 每条消息处理完（无论成败）都提交，失败重试由Runner负责
type consumerHandler struct {
	handler Handler
	logger  *logrus.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		task, err := DecodeScanTask(msg.Value)
		if err != nil {
			h.logger.Warnf("丢弃无法解析的任务消息 (offset: %d): %v", msg.Offset, err)
			sess.MarkMessage(msg, "")
			continue
		}
		if err := h.handler(ctx, task); err != nil {
			h.logger.WithField("task_id", task.TaskID).Errorf("扫描任务失败: %v", err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

package output

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"tracediff/internal/config"
	"tracediff/internal/errors"
	"tracediff/internal/retry"
	"tracediff/pkg/models"
)

const (
	reportsTopicKey     = "reports"
	divergencesTopicKey = "divergences"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
	retrier  *retry.Retrier
	timeout  time.Duration
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(cfg *config.KafkaConfig, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", cfg.Brokers)
	logger.Infof("Kafka topics配置: %v", cfg.Topics)

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		timeout = 10 * time.Second
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Timeout = timeout
	saramaConfig.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityHigh, errors.CodeKafka, "创建Kafka生产者失败")
	}

	logger.Info("Kafka生产者已创建")
	return newKafkaOutput(producer, cfg.Topics, cfg.RetryLimit, timeout, logger), nil
}

func newKafkaOutput(producer sarama.SyncProducer, topics map[string]string, retryLimit int, timeout time.Duration, logger *logrus.Logger) *KafkaOutput {
	retryConfig := *retry.DeliveryRetryConfig
	retryConfig.MaxAttempts = retryLimit + 1
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		retrier:  retry.NewRetrier(&retryConfig, logger),
		timeout:  timeout,
	}
}

// sendToKafka 发送数据到Kafka，以案例ID为消息键
func (k *KafkaOutput) sendToKafka(topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium, errors.CodeSerialization, "序列化数据失败")
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout*time.Duration(k.retrier.GetConfig().MaxAttempts))
	defer cancel()

	return k.retrier.Execute(ctx, "kafka:"+topic, func() error {
		partition, offset, err := k.producer.SendMessage(msg)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityHigh, errors.CodeKafka, "发送消息到Kafka失败").
				WithContext("topic", topic)
		}
		k.logger.WithFields(logrus.Fields{
			"topic":     topic,
			"partition": partition,
			"offset":    offset,
			"case_id":   key,
		}).Debug("消息已发送到Kafka")
		return nil
	})
}

func (k *KafkaOutput) topic(key, fallback string) string {
	if topic, exists := k.topics[key]; exists && topic != "" {
		return topic
	}
	return fallback
}

// WriteReport 写入报告
func (k *KafkaOutput) WriteReport(report *models.AnalysisReport) error {
	if report == nil {
		return nil
	}
	return k.sendToKafka(k.topic(reportsTopicKey, "tod_reports"), report.CaseID, report)
}

// WriteDivergence 写入分歧消息
func (k *KafkaOutput) WriteDivergence(msg *DivergenceMessage) error {
	if msg == nil {
		return nil
	}
	return k.sendToKafka(k.topic(divergencesTopicKey, "tod_divergences"), msg.CaseID, msg)
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}

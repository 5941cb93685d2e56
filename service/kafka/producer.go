package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// Conf kafka 生产侧配置。
type Conf struct {
	Brokers     []string
	Compression string // snappy/lz4/zstd/none
	Retries     int
	Partitions  int32 // EnsureTopic 用
	Replication int16
}

// Producer 同步生产者，实现 outbox 的 Publisher 口。
// key 用会话ID，同会话事件落同分区，下游按序消费。
type Producer struct {
	client sarama.Client
	prod   sarama.SyncProducer
}

func buildBaseConfig(c Conf) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	retries := c.Retries
	if retries <= 0 {
		retries = 1
	}
	cfg.Producer.Retry.Max = retries

	// Key 控制分区
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func NewProducer(c Conf) (*Producer, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is empty")
	}
	cfg := buildBaseConfig(c)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config validate: %w", err)
	}
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, err
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Producer{client: client, prod: prod}, nil
}

// Publish 同步发一条。SyncProducer 自身线程安全，直接并发调。
func (p *Producer) Publish(ctx context.Context, topic, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	}
	partition, offset, err := p.prod.SendMessage(msg)
	if err != nil {
		glog.Errorf("kafka send failed topic=%s key=%s: %v", topic, key, err)
		return err
	}
	glog.V(2).Infof("kafka send ok topic=%s partition=%d offset=%d", topic, partition, offset)
	return nil
}

func (p *Producer) Close() error {
	var first error
	if p.prod != nil {
		if err := p.prod.Close(); err != nil {
			first = err
		}
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnsureTopic 幂等建 topic，不存在才创建。
func EnsureTopic(c Conf, topic string) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.Admin.Timeout = 15 * time.Second

	admin, err := sarama.NewClusterAdmin(c.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("new cluster admin: %w", err)
	}
	defer func() {
		if e := admin.Close(); e != nil {
			glog.Errorf("close cluster admin: %v", e)
		}
	}()

	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if _, ok := existing[topic]; ok {
		return nil
	}

	partitions := c.Partitions
	if partitions <= 0 {
		partitions = 3
	}
	rep := c.Replication
	if rep <= 0 {
		rep = 1
	}
	minISR := "1"
	if rep > 1 {
		minISR = fmt.Sprintf("%d", rep-1)
	}
	retentionMS := fmt.Sprintf("%d", 7*24*60*60*1000)
	detail := &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: rep,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 ptr("delete"),
			"retention.ms":                   &retentionMS,
			"min.insync.replicas":            &minISR,
			"unclean.leader.election.enable": ptr("false"),
		},
	}
	if err := admin.CreateTopic(topic, detail, false); err != nil && !isTopicExistsErr(err) {
		return fmt.Errorf("create topic %q: %w", topic, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func isTopicExistsErr(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

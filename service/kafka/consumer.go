package kafka

import (
	"context"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"

	"pigeon/tools/safe"
)

// MessageHandler 逐条消费回调。返回错误只记日志，offset 照常推进，
// 投递语义由下游（在线推送失败走离线 Pull 兜底）承担。
type MessageHandler func(topic string, key, value []byte) error

type groupHandler struct {
	fn MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	glog.Info("consumer group setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	glog.Info("consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.fn(msg.Topic, msg.Key, msg.Value); err != nil {
			glog.Errorf("handler error topic=%s partition=%d offset=%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// ConsumerGroup 订阅 outbox 事件流。
type ConsumerGroup struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
}

// StartConsumerGroup 起消费组并持续消费，直到 Close。
func StartConsumerGroup(brokers []string, groupID string, topics []string, fn MessageHandler) (*ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	safe.Go("kafka-cg-errors", func() {
		for err := range group.Errors() {
			glog.Errorf("consumer group error: %v", err)
		}
	})
	safe.Go("kafka-cg-consume", func() {
		h := &groupHandler{fn: fn}
		for {
			// rebalance 后 Consume 返回，循环重入
			if err := group.Consume(ctx, topics, h); err != nil {
				glog.Errorf("consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	})
	return &ConsumerGroup{group: group, cancel: cancel}, nil
}

func (c *ConsumerGroup) Close() error {
	c.cancel()
	return c.group.Close()
}

package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"CRMNotify/config"
	pkgerrors "CRMNotify/pkg/errors"
	"CRMNotify/pkg/logger"
	pkgmq "CRMNotify/pkg/mq"
)

// ErrPoison 消息体无法解析，重投也不会成功，直接 ack 丢弃
var ErrPoison = errors.New("poison message")

type MessageHandler func(ctx context.Context, body []byte) error

type ConsumeOptions struct {
	Handler       MessageHandler
	Queue         string
	ConsumerTag   string
	PrefetchCount int
}

// Consume 阻塞消费直到 ctx 结束或 channel 关闭
func Consume(ctx context.Context, opts ConsumeOptions) error {
	conn := Connection()
	if conn == nil {
		return fmt.Errorf("RabbitMQ connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	ic := pkgmq.NewInstrumentedChannel(ch, config.Cfg.ServiceName)
	msgs, err := ic.Consume(
		opts.Queue,
		opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Logger.Info("Started consuming messages",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.Int("prefetch_count", opts.PrefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer %s: delivery channel closed", opts.ConsumerTag)
			}
			handle(ic.MessageContext(ctx, msg), opts, msg)
		}
	}
}

func handle(ctx context.Context, opts ConsumeOptions, msg amqp.Delivery) {
	err := opts.Handler(ctx, msg.Body)
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	var skip *pkgerrors.SkipMessageError
	if errors.Is(err, ErrPoison) || errors.As(err, &skip) {
		logger.Logger.Warn("Dropping message",
			zap.String("queue", opts.Queue),
			zap.Error(err),
		)
		_ = msg.Ack(false)
		return
	}

	logger.Logger.Error("Failed to process message",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.Error(err),
	)
	// 首次失败重新入队，再次失败丢弃，避免毒消息无限循环
	_ = msg.Nack(false, !msg.Redelivered)
}

package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"CRMNotify/config"
	"CRMNotify/pkg/logger"
)

// 交换机与队列拓扑
const (
	// DelayedExchange 依赖 rabbitmq_delayed_message_exchange 插件，x-delay 头单位毫秒
	DelayedExchange = "notify.delayed"
	EventsExchange  = "notify.events"

	TriggerQueue         = "notify.trigger.fired"
	TriggerRoutingKey    = "notify.trigger.fired"
	BackgroundQueue      = "notify.event.background"
	BackgroundRoutingKey = "notify.event.background"
)

var (
	conn     *amqp.Connection
	connOnce sync.Once
	connErr  error
)

func Init() error {
	connOnce.Do(func() {
		conn, connErr = amqp.Dial(config.Cfg.GetRabbitMQURL())
		if connErr != nil {
			return
		}

		ch, err := conn.Channel()
		if err != nil {
			connErr = fmt.Errorf("failed to open setup channel: %w", err)
			return
		}
		defer ch.Close()

		if err := declareTopology(ch); err != nil {
			connErr = err
			return
		}

		logger.Logger.Info("RabbitMQ initialized successfully",
			zap.String("component", "rabbitmq"),
			zap.String("addr", config.Cfg.RabbitMQAddr),
		)
	})

	return connErr
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DelayedExchange, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"}); err != nil {
		return fmt.Errorf("failed to declare delayed exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(EventsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	bindings := []struct {
		queue, exchange, key string
	}{
		{TriggerQueue, DelayedExchange, TriggerRoutingKey},
		{BackgroundQueue, EventsExchange, BackgroundRoutingKey},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", b.queue, err)
		}
	}
	return nil
}

// Connection 未初始化时返回 nil
func Connection() *amqp.Connection {
	return conn
}

func Close(ctx context.Context) error {
	pubMutex.Lock()
	if publisherCh != nil {
		_ = publisherCh.Close()
		publisherCh = nil
	}
	pubMutex.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

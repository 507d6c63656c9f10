package middleware

import (
	"context"
	"time"

	"github.com/maxogod/secure-upload/src/common/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

type MessageMiddlewareExchange struct {
	conn         MiddlewareConnection
	channel      MiddlewareChannel
	exchangeName string
	routeKeys    []string
	contentType  string
}

// NewExchangeMiddleware dials the broker and declares a durable exchange to publish on.
func NewExchangeMiddleware(url, exchangeName, exchangeType string, routingKeys []string) (MessageMiddleware, error) {
	m := &MessageMiddlewareExchange{contentType: "application/x-protobuf"}

	if len(routingKeys) == 0 {
		routingKeys = []string{""} // Default
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Logger.Errorln("Failed to connect to RabbitMQ:", err)
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Logger.Errorln("Failed to open a channel:", err)
		_ = conn.Close()
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchangeName, // name
		exchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		logger.Logger.Errorln("Failed to declare an exchange:", err)
		_ = conn.Close()
		return nil, err
	}

	m.exchangeName = exchangeName
	m.routeKeys = routingKeys
	m.conn = conn
	m.channel = ch

	return m, nil
}

func (me *MessageMiddlewareExchange) Send(message []byte) MessageMiddlewareError {
	if me.conn == nil || me.conn.IsClosed() {
		logger.Logger.Errorln("Connection is closed")
		return MessageMiddlewareDisconnectedError
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	for _, key := range me.routeKeys {
		err := me.channel.PublishWithContext(ctx,
			me.exchangeName, // exchange
			key,             // routing key
			false,           // mandatory
			false,           // immediate
			amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				ContentType:  me.contentType,
				Timestamp:    time.Now(),
				Body:         message,
			})
		if err != nil {
			logger.Logger.Errorf("Failed to publish a message to route %s: %v", key, err)
			return MessageMiddlewareMessageError
		}
	}

	logger.Logger.Debugf("Sent message of %d bytes to exchange %s", len(message), me.exchangeName)

	return MessageMiddlewareSuccess
}

func (me *MessageMiddlewareExchange) Close() MessageMiddlewareError {
	errCh := me.channel.Close()
	errConn := me.conn.Close()
	if errCh != nil || errConn != nil {
		logger.Logger.Errorln("Failed to close middleware connection")
		return MessageMiddlewareCloseError
	}

	return MessageMiddlewareSuccess
}

func (me *MessageMiddlewareExchange) Delete() MessageMiddlewareError {
	err := me.channel.ExchangeDelete(
		me.exchangeName, // name
		false,           // ifUnused
		false,           // noWait
	)
	if err != nil {
		logger.Logger.Errorln("Failed to delete exchange:", err)
		return MessageMiddlewareDeleteError
	}

	logger.Logger.Debugln("Deleted exchange:", me.exchangeName)

	return MessageMiddlewareSuccess
}

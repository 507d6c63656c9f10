package middleware

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

type MiddlewareConnection = *amqp.Connection
type MiddlewareChannel = *amqp.Channel

type MessageMiddlewareError int

const (
	MessageMiddlewareSuccess MessageMiddlewareError = iota
	MessageMiddlewareMessageError
	MessageMiddlewareDisconnectedError
	MessageMiddlewareCloseError
	MessageMiddlewareDeleteError
)

type MessageMiddleware interface {
	/*
	   Sends a message to the exchange with every routing key the publisher was initialized with.
	   If the connection to the middleware is lost, it raises MessageMiddlewareDisconnectedError.
	   If an internal error occurs that cannot be resolved, it raises MessageMiddlewareMessageError.
	*/
	Send(message []byte) (e MessageMiddlewareError)

	/*
	   Disconnects from the exchange to which it was connected.
	   If an internal error occurs that cannot be resolved, it raises MessageMiddlewareCloseError.
	*/
	Close() (e MessageMiddlewareError)

	/*
	   Forces the remote deletion of the exchange.
	   If an internal error occurs that cannot be resolved, it raises MessageMiddlewareDeleteError.
	*/
	Delete() (e MessageMiddlewareError)
}

package pubsub

import "errors"

// ErrClosed is returned when operations are attempted on a closed PubSub
var ErrClosed = errors.New("pubsub: closed")

// ErrInvalidTopic is returned for topic names no backend can carry
var ErrInvalidTopic = errors.New("pubsub: invalid topic")

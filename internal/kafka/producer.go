package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers                []string
	BatchTimeout           time.Duration // default 10ms
	WriteTimeout           time.Duration // default 10s
	MaxAttempts            int           // default 3
	RequiredAcks           int           // -1 all, 1 leader; 0 (unset) means all
	AllowAutoTopicCreation bool
}

// Producer is a thin wrapper around segmentio/kafka-go Writer. The writer has
// no fixed topic; every message names its own.
type Producer struct {
	w *kafka.Writer
}

func NewProducerFromConfig(c Config) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	// fire-and-forget is not offered: a write the broker never acknowledged
	// would still be marked published
	acks := kafka.RequireAll
	if c.RequiredAcks == 1 {
		acks = kafka.RequireOne
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           bt,
		WriteTimeout:           wt,
		MaxAttempts:            attempts,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: c.AllowAutoTopicCreation,
	}

	return &Producer{w: w}
}

type (
	Message = kafka.Message
	Header  = kafka.Header
)

// Write blocks until every message is acknowledged or ctx is done.
func (p *Producer) Write(ctx context.Context, msgs ...Message) error {
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }

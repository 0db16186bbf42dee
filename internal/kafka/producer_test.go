package kafka

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestNewProducerFromConfig(t *testing.T) {
	cases := map[string]struct {
		acks int
		want kafka.RequiredAcks
	}{
		"unset means all": {0, kafka.RequireAll},
		"all":             {-1, kafka.RequireAll},
		"leader":          {1, kafka.RequireOne},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewProducerFromConfig(Config{Brokers: []string{"localhost:9092"}, RequiredAcks: tc.acks})
			defer p.Close()
			assert.Equal(t, tc.want, p.w.RequiredAcks)
		})
	}

	p := NewProducerFromConfig(Config{Brokers: []string{"localhost:9092"}})
	defer p.Close()
	assert.Equal(t, 10*time.Millisecond, p.w.BatchTimeout)
	assert.Equal(t, 10*time.Second, p.w.WriteTimeout)
	assert.Equal(t, 3, p.w.MaxAttempts)
}

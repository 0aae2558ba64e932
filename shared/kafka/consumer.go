package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

type MessageHandler func(key []byte, value []byte) error

type Consumer struct {
	consumer *kafka.Consumer
}

func NewConsumer(bootstrapServers, groupID string) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": "true",
	})
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c}, nil
}

// Subscribe retries with backoff while the topics do not exist yet.
func (c *Consumer) Subscribe(topics []string) error {
	maxRetries := 15
	retryDelay := time.Second * 2

	var err error
	for i := 0; i < maxRetries; i++ {
		err = c.consumer.SubscribeTopics(topics, nil)
		if err == nil {
			log.Printf("Successfully subscribed to topics: %v", topics)
			return nil
		}

		if i < maxRetries-1 {
			log.Printf("Failed to subscribe to topics: %v, retrying in %v... (attempt %d/%d)",
				err, retryDelay, i+1, maxRetries)
			time.Sleep(retryDelay)
			retryDelay = time.Duration(float64(retryDelay) * 1.5)
		}
	}

	return err
}

// ConsumeMessages polls until ctx is done or every broker is down. Handler
// errors are logged and do not stop the loop.
func (c *Consumer) ConsumeMessages(ctx context.Context, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("Stopping consumer: %v", ctx.Err())
			return
		default:
		}

		ev := c.consumer.Poll(100)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(e.Key, e.Value); err != nil {
				log.Printf("Error processing message: %v", err)
			}
		case kafka.Error:
			switch e.Code() {
			case kafka.ErrUnknownTopicOrPart, kafka.ErrBadMsg, kafka.ErrTimedOut:
				// may resolve once the topic is created
				log.Printf("Kafka error: %v", e)
			case kafka.ErrAllBrokersDown:
				log.Printf("Fatal Kafka error: %v", e)
				return
			}
		}
	}
}

// UnmarshalMessage unmarshals a Kafka message value into the provided struct
func UnmarshalMessage(value []byte, v interface{}) error {
	return json.Unmarshal(value, v)
}

func (c *Consumer) Close() {
	c.consumer.Close()
}

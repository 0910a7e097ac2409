// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaProducer is a minimal abstraction over a Kafka client.
//
// Requirements:
//   - Idempotent producer ON (enable.idempotence=true)
//   - Produce returns only after the broker acknowledged the message (or failed)
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaPublisher publishes dead-letter events as JSON messages keyed by snapshot key.
type KafkaPublisher struct {
	producer       KafkaProducer
	defaultTimeout time.Duration
}

func NewKafkaPublisher(p KafkaProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: p, defaultTimeout: 10 * time.Second}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dlq event: %w", err)
	}
	headers := map[string]string{"content-type": "application/json", "event-id": ev.ID}
	if err := k.producer.Produce(ctx, topic, []byte(ev.TempKey), b, headers); err != nil {
		return fmt.Errorf("kafka produce topic=%s event=%s: %w", topic, ev.ID, err)
	}
	return nil
}

// ConfluentProducer implements KafkaProducer on librdkafka and waits for the
// delivery report of every message.
type ConfluentProducer struct {
	p *kafka.Producer
}

// NewConfluentProducer connects an idempotent producer to bootstrapServers.
func NewConfluentProducer(bootstrapServers string) (*ConfluentProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"enable.idempotence": true,
		"acks":               "all",
		"linger.ms":          5,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &ConfluentProducer{p: p}, nil
}

func (c *ConfluentProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	hs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	delivery := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
		Headers:        hs,
	}
	if err := c.p.Produce(msg, delivery); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		switch ev := e.(type) {
		case *kafka.Message:
			return ev.TopicPartition.Error
		case kafka.Error:
			return ev
		default:
			return fmt.Errorf("unexpected delivery event %v", e)
		}
	}
}

// Close flushes outstanding messages for up to timeout and releases the producer.
func (c *ConfluentProducer) Close(timeout time.Duration) {
	c.p.Flush(int(timeout / time.Millisecond))
	c.p.Close()
}

// Package dispatch 负责把路由产出的处理请求排队，并由工作池消费
// 执行。队列载荷是 JSON 编码的 Request，驱动可选内存、Redis 或
// RabbitMQ。
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request 是队列中流转的处理请求。
type Request struct {
	RequestID    string    `json:"request_id"`
	ThreadID     string    `json:"thread_id"`
	MentionID    string    `json:"mention_id"`
	SenderID     string    `json:"sender_id"`
	Instruction  string    `json:"instruction"`
	BrokerTarget string    `json:"broker_target,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Encode 把请求序列化为队列载荷。
func (r Request) Encode() (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("序列化处理请求失败: %w", err)
	}
	return string(payload), nil
}

// DecodeRequest 从队列载荷还原请求。
func DecodeRequest(payload string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return Request{}, fmt.Errorf("解析处理请求失败: %w", err)
	}
	return req, nil
}

// Handler 处理来自消息队列的请求载荷。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递请求。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

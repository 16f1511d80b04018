// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"bidding-kb-go/internal/config"
	"bidding-kb-go/pkg/log"
	"bidding-kb-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// 同一任务失败达到该次数后提交 offset，不再重试。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Handle(ctx context.Context, task tasks.FileTask) error
}

// Producer 把文件任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	p := &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
	log.Info("Kafka 生产者初始化成功")
	return p
}

// Enqueue 发送一个文件处理任务，以 file_id 为 key，同一文件的任务落在同一分区。
func (p *Producer) Enqueue(ctx context.Context, task tasks.FileTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.FileID),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Attempts 记录任务的失败次数。
type Attempts interface {
	Incr(ctx context.Context, fileID string) (int64, error)
	Reset(ctx context.Context, fileID string) error
}

type redisAttempts struct {
	rdb *redis.Client
}

// NewRedisAttempts 使用 Redis 计数失败次数，键 24 小时过期。
func NewRedisAttempts(rdb *redis.Client) Attempts {
	return &redisAttempts{rdb: rdb}
}

func attemptsKey(fileID string) string {
	return fmt.Sprintf("kafka:attempts:%s", fileID)
}

func (a *redisAttempts) Incr(ctx context.Context, fileID string) (int64, error) {
	n, err := a.rdb.Incr(ctx, attemptsKey(fileID)).Result()
	if err != nil {
		return 0, err
	}
	_ = a.rdb.Expire(ctx, attemptsKey(fileID), 24*time.Hour).Err()
	return n, nil
}

func (a *redisAttempts) Reset(ctx context.Context, fileID string) error {
	return a.rdb.Del(ctx, attemptsKey(fileID)).Err()
}

// Consumer 拉取任务并交给固定数量的 worker 处理。
type Consumer struct {
	reader    *kafka.Reader
	processor TaskProcessor
	attempts  Attempts
	workers   int
}

// NewConsumer 创建一个消费者，workers 小于 1 时按 1 处理。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts Attempts, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers(cfg.Brokers),
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}),
		processor: processor,
		attempts:  attempts,
		workers:   workers,
	}
}

// Run 阻塞直到 ctx 结束。worker 处理完一条消息后按结果决定是否提交 offset。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，workers: %d", c.workers)
	msgs := make(chan kafka.Message, c.workers)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				if handleMessage(ctx, m, c.processor, c.attempts) {
					if err := c.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
						log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
					}
				}
			}
		}()
	}

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		msgs <- m
	}
	close(msgs)
	wg.Wait()

	if err := c.reader.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// handleMessage 处理一条消息并返回是否应提交 offset。
func handleMessage(ctx context.Context, m kafka.Message, processor TaskProcessor, attempts Attempts) bool {
	var task tasks.FileTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.FileID == "" {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return true
	}

	log.Infof("开始处理文件任务: file_id=%s, reason=%s, offset=%d", task.FileID, task.Reason, m.Offset)
	if err := processor.Handle(ctx, task); err != nil {
		log.Errorf("处理文件任务失败: file_id=%s, Error: %v", task.FileID, err)
		n, incErr := attempts.Incr(ctx, task.FileID)
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		if n >= maxAttempts {
			log.Errorf("文件任务多次失败(>=%d)，提交 offset 终止重试: file_id=%s", maxAttempts, task.FileID)
			return true
		}
		return false
	}

	_ = attempts.Reset(ctx, task.FileID)
	return true
}

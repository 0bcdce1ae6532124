package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultListLimit 每个列表保留的最近记录数
const DefaultListLimit = 1000

// Options Redis 连接参数
type Options struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	Channel   string
	ListLimit int64
}

// MessageQueue 检测文件组的发布队列：频道通知 + 有上限的列表备份
type MessageQueue struct {
	client    *redis.Client
	channel   string
	listLimit int64
	log       *logrus.Logger
}

func NewMessageQueue(ctx context.Context, opts Options, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")

	limit := opts.ListLimit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return &MessageQueue{
		client:    client,
		channel:   opts.Channel,
		listLimit: limit,
		log:       log,
	}, nil
}

// ListKey 工单维度的列表键
func ListKey(workID string) string {
	return fmt.Sprintf("gateway:%s:files", workID)
}

// Publish 发布到频道，同时写入列表
func (mq *MessageQueue) Publish(ctx context.Context, listKey string, v any) error {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	if err := mq.client.Publish(ctx, mq.channel, jsonData).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	// 列表作为持久化备份，失败只记录
	if err := mq.client.LPush(ctx, listKey, jsonData).Err(); err != nil {
		mq.log.Warnf("保存到List失败: %v", err)
		return nil
	}
	if err := mq.client.LTrim(ctx, listKey, 0, mq.listLimit-1).Err(); err != nil {
		mq.log.Warnf("裁剪List失败: %v", err)
	}
	return nil
}

// PublishBatch 在一次管道往返中发布多条记录并写入同一列表，无法序列化的记录被跳过
func (mq *MessageQueue) PublishBatch(ctx context.Context, listKey string, items []any) error {
	pipe := mq.client.Pipeline()
	queued := 0
	for _, v := range items {
		jsonData, err := json.Marshal(v)
		if err != nil {
			mq.log.Errorf("序列化数据失败: %v", err)
			continue
		}
		pipe.Publish(ctx, mq.channel, jsonData)
		pipe.LPush(ctx, listKey, jsonData)
		queued++
	}
	if queued == 0 {
		return nil
	}
	pipe.LTrim(ctx, listKey, 0, mq.listLimit-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("批量发布失败: %w", err)
	}
	return nil
}

// Recent 读取列表中最近 n 条记录，最新的在前
func (mq *MessageQueue) Recent(ctx context.Context, listKey string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return mq.client.LRange(ctx, listKey, 0, n-1).Result()
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}

// GetStats 连接池与服务端状态，供健康检查输出
func (mq *MessageQueue) GetStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"channel":    mq.channel,
		"pool_stats": mq.client.PoolStats(),
	}
	if err := mq.client.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		return stats
	}
	stats["status"] = "up"
	return stats
}

// Package upload 将接收完成的检测文件组排队并上报平台。
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/broker"
	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/storage"
)

// MessageTypeDetectData 检测数据上报的消息类型
const MessageTypeDetectData = "DETECT_DATA"

// 图片类文件只上报文件名，其余文件上报十六进制内容
var imageTypes = map[orchestrator.PointFileType]bool{
	"6-1-1": true,
	"6-2-1": true,
	"6-1-0": true,
	"6-2-0": true,
	"1-*-3": true,
	"2-*-3": true,
}

// DataTopic 检测数据上报主题
func DataTopic(deviceCode string) string {
	return fmt.Sprintf("/v1/%s/mt/data", deviceCode)
}

// Publisher MQTT 发布
type Publisher interface {
	Publish(ctx context.Context, host string, port int, topic string, message any, req *broker.RequestConfig, retries int, qos byte) error
}

// Queue 文件组持久化队列
type Queue interface {
	Publish(ctx context.Context, listKey string, v any) error
	PublishBatch(ctx context.Context, listKey string, items []any) error
}

// Config 上报目标
type Config struct {
	Host       string
	Port       int
	DeviceCode string
	Retries    int
	QoS        byte
}

// DetectDataParam 上报报文内容，Data 含 sensorCode、timestamp 以及各文件字段
type DetectDataParam struct {
	Data map[string]string `json:"data"`
}

// DetectDataMessage 检测数据上报报文
type DetectDataMessage struct {
	Mid             string          `json:"mid"`
	DeviceID        string          `json:"deviceId"`
	Timestamp       int64           `json:"timestamp"`
	Type            string          `json:"type"`
	WorkDetailID    string          `json:"workDetailId,omitempty"`
	WorkDetailType  int             `json:"workDetailType,omitempty"`
	WorkDetailIndex int             `json:"workDetailIndex,omitempty"`
	Param           DetectDataParam `json:"param"`
}

// Pipeline 实现 orchestrator.Uploader
type Pipeline struct {
	cfg       Config
	queue     Queue
	publisher Publisher
	log       *logrus.Logger

	now func() time.Time
}

// NewPipeline queue 与 publisher 均可为 nil
func NewPipeline(cfg Config, queue Queue, publisher Publisher, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		queue:     queue,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// Upload 排队后逐组上报，单组失败不影响其余组
func (p *Pipeline) Upload(ctx context.Context, groups []orchestrator.FileGroup) error {
	p.enqueue(ctx, groups)

	var errs []error
	for _, g := range groups {
		if len(g.Files) == 0 {
			continue
		}
		logger := p.log.WithFields(logrus.Fields{
			"group":          g.ID,
			"work_detail_id": g.Files[0].WorkDetailID,
		})

		if p.publisher == nil {
			logger.Debug("未启用 MQTT，文件组仅写入队列")
			continue
		}
		msg, err := p.Message(g)
		if err != nil {
			logger.WithError(err).Error("组装上报报文失败")
			errs = append(errs, err)
			continue
		}
		if err := p.publisher.Publish(ctx, p.cfg.Host, p.cfg.Port, DataTopic(p.cfg.DeviceCode), msg, nil, p.cfg.Retries, p.cfg.QoS); err != nil {
			logger.WithError(err).Error("检测数据上报失败")
			errs = append(errs, fmt.Errorf("文件组 %s: %w", g.ID, err))
			continue
		}
		logger.Infof("检测数据已上报，文件 %d 个", len(g.Files))
	}
	return errors.Join(errs...)
}

// enqueue 按工单写入队列，同一工单的多个文件组批量写入
func (p *Pipeline) enqueue(ctx context.Context, groups []orchestrator.FileGroup) {
	if p.queue == nil {
		return
	}
	var keys []string
	byKey := make(map[string][]any)
	for _, g := range groups {
		if len(g.Files) == 0 {
			continue
		}
		key := storage.ListKey(g.Files[0].WorkID)
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], g)
	}

	for _, key := range keys {
		items := byKey[key]
		var err error
		if len(items) == 1 {
			err = p.queue.Publish(ctx, key, items[0])
		} else {
			err = p.queue.PublishBatch(ctx, key, items)
		}
		if err != nil {
			p.log.WithField("list", key).WithError(err).Warnf("文件组写入队列失败，共 %d 组", len(items))
		}
	}
}

// Message 将文件组转换为上报报文，没有字段映射的文件类型被跳过
func (p *Pipeline) Message(g orchestrator.FileGroup) (*DetectDataMessage, error) {
	if len(g.Files) == 0 {
		return nil, errors.New("文件组为空")
	}
	first := g.Files[0]

	sensorCode := first.IDCode
	if sensorCode == "" {
		sensorCode = p.cfg.DeviceCode
	}
	now := p.now()
	data := map[string]string{
		"sensorCode": sensorCode,
		"timestamp":  now.Format("2006-01-02 15:04:05"),
	}

	for _, f := range g.Files {
		key, ok := f.Type.FileKey()
		if !ok {
			p.log.WithField("type", f.Type).Warn("文件类型没有对应的上报字段")
			continue
		}
		if imageTypes[f.Type] {
			data[key] = filepath.Base(f.FilePath)
			continue
		}
		raw, err := os.ReadFile(f.FilePath)
		if err != nil {
			return nil, fmt.Errorf("读取检测文件失败: %w", err)
		}
		data[key] = hex.EncodeToString(raw)
	}

	return &DetectDataMessage{
		Mid:             uuid.NewString(),
		DeviceID:        p.cfg.DeviceCode,
		Timestamp:       now.UnixMilli(),
		Type:            MessageTypeDetectData,
		WorkDetailID:    first.WorkDetailID,
		WorkDetailType:  first.WorkDetailType,
		WorkDetailIndex: first.WorkDetailIndex,
		Param:           DetectDataParam{Data: data},
	}, nil
}

package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/datfile"
	"instrument-gateway/internal/monitor"
	"instrument-gateway/internal/transport"
	"instrument-gateway/pkg/protocol"
)

// file_type 为 "0" 且未压缩时检测数据是单个 .dat 文件
const rawFileType = "0"

// ingestBatch 校验通过的一次上传
type ingestBatch struct {
	accepted   AcceptedDetect
	params     TransportParams
	primary    []*datfile.File
	background *datfile.File
}

func (o *Orchestrator) ingest(ctx context.Context, p *protocol.Packet, origin Origin) error {
	batch, err := o.validate(ctx, p)
	if err != nil {
		monitor.FilesIngested.WithLabelValues("rejected").Inc()
		var params *TransportParams
		if batch != nil {
			params = &batch.params
		}
		if ackErr := o.reply(origin, params, protocol.FileUploadAck, protocol.AckCodeFieldError, p.Sequence); ackErr != nil {
			o.log.WithError(ackErr).Warn("回复检测数据错误确认失败")
		}
		o.log.WithFields(logrus.Fields{
			"seq": p.Sequence,
			"key": origin.Key,
		}).WithError(err).Error("检测数据校验失败")
		return &ValidationError{Sequence: p.Sequence, Err: err}
	}

	if err := o.reply(origin, &batch.params, protocol.FileUploadAck, protocol.AckCodeOK, p.Sequence); err != nil {
		o.log.WithError(err).Warn("回复检测数据确认失败")
	}

	// 单个文件处理失败不影响同批其余文件上传
	groups, procErr := o.process(batch, origin)
	if procErr != nil {
		procErr = fmt.Errorf("处理检测数据失败: %w", procErr)
	}
	if len(groups) == 0 || o.uploader == nil {
		return procErr
	}
	if err := o.uploader.Upload(ctx, groups); err != nil {
		return errors.Join(procErr, fmt.Errorf("提交上传失败: %w", err))
	}
	return procErr
}

// validate 校验失败时 batch 可能只携带已获取的通信参数
func (o *Orchestrator) validate(ctx context.Context, p *protocol.Packet) (*ingestBatch, error) {
	desc, err := ParseTaskDescription(p.BusinessData)
	if err != nil {
		return nil, err
	}
	accepted := desc.Accept(o.newUUID)

	params, err := o.params.Params(ctx, accepted.WorkID, accepted.SubWorkID)
	if err != nil {
		return nil, fmt.Errorf("获取通信参数失败: %w", err)
	}
	batch := &ingestBatch{accepted: accepted, params: params}

	if params.WorkStatus == nil {
		return batch, fmt.Errorf("%w: 工单 %s 状态未知", ErrWorkStatus, accepted.WorkID)
	}
	if *params.WorkStatus == WorkCompleted {
		return batch, fmt.Errorf("%w: 工单 %s 已完成", ErrWorkStatus, accepted.WorkID)
	}

	payloads := [][]byte{p.DetectData}
	if p.Compressed() || desc.MainTask.FileType != rawFileType {
		if payloads, err = extractDatEntries(p.DetectData); err != nil {
			return batch, err
		}
	}

	for i, data := range payloads {
		f, err := datfile.Open(data)
		if err != nil {
			return batch, fmt.Errorf("第 %d 个检测文件: %w", i+1, err)
		}
		if f.Header.Nature == NatureBackground {
			if batch.background != nil {
				return batch, ErrTooManyBackground
			}
			batch.background = f
			continue
		}
		batch.primary = append(batch.primary, f)
	}
	return batch, nil
}

// extractDatEntries 读取压缩包内全部 .dat 文件
func extractDatEntries(data []byte) ([][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("打开检测数据压缩包失败: %w", err)
	}

	var out [][]byte
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || !strings.HasSuffix(entry.Name, ".dat") {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", entry.Name, err)
		}
		buf, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", entry.Name, err)
		}
		out = append(out, buf)
	}
	return out, nil
}

// process 落盘检测文件并按检测点分组。失败的文件不登记，返回已成功的分组和合并后的错误。
func (o *Orchestrator) process(batch *ingestBatch, origin Origin) ([]FileGroup, error) {
	var bgPath string
	if bg := batch.background; bg != nil {
		bgPath = o.filePath(bg.Header.Timestamp, ModeT95) + "." + suffixBackground + ".dat"
		if err := extract(bgPath, bg.ExtractDatFile); err != nil {
			return nil, err
		}
	}

	var mac string
	if origin.Source == transport.SourceBluetooth {
		mac = origin.Key
	}

	recorder, _ := o.params.(FileRecorder)
	acc := batch.accepted
	announced := acc.PointIDs()
	var (
		groups []FileGroup
		errs   []error
	)

	for _, f := range batch.primary {
		h := f.Header
		pc := SplitPointCode(h.PointCode)
		logger := o.log.WithFields(logrus.Fields{
			"point":     pc.Base,
			"timestamp": h.Timestamp,
			"mode":      pc.Mode,
		})

		if slices.Contains(batch.params.FileNames[pc.Base], h.Timestamp) {
			monitor.FilesIngested.WithLabelValues("skipped").Inc()
			logger.Debug("文件已接收，跳过")
			continue
		}

		if !announced[pc.Base] {
			logger.Warn("检测点不在上传描述中")
		}
		groupID, ok := acc.FileGroups[pc.Base]
		if !ok {
			groupID = o.newUUID()
		}

		base := UploadFile{
			WorkID:          acc.WorkID,
			SubWorkID:       acc.SubWorkID,
			WorkDetailID:    pc.Base,
			FileGroup:       groupID,
			Mode:            pc.Mode,
			DetectMethod:    acc.DetectMethod,
			WorkDetailType:  pc.DetailType,
			WorkDetailIndex: pc.DetailIndex,
			Timestamp:       h.Timestamp,
		}

		var (
			files []UploadFile
			err   error
		)
		switch pc.Mode {
		case ModeTask:
			files, err = o.handleImages(f, base)
		case ModeT95:
			files, err = o.handleStandard(f, base, mac, bgPath)
		case ModeDMS:
			files, err = o.handleDMS(f, base)
		default:
			err = fmt.Errorf("%w: %d", ErrUnknownMode, pc.Mode)
		}
		if err != nil {
			monitor.FilesIngested.WithLabelValues("failed").Inc()
			logger.WithError(err).Warn("检测文件处理失败，跳过")
			errs = append(errs, fmt.Errorf("检测点 %s: %w", pc.Base, err))
			continue
		}

		monitor.FilesIngested.WithLabelValues("accepted").Inc()
		if recorder != nil {
			recorder.RecordFile(acc.WorkID, acc.SubWorkID, pc.Base, h.Timestamp)
		}
		groups = append(groups, FileGroup{ID: base.FileGroup, Files: files})
		logger.Infof("检测数据已落盘，文件 %d 个", len(files))
	}
	return groups, errors.Join(errs...)
}

// 模式 1：可见光与红外图片
func (o *Orchestrator) handleImages(f *datfile.File, base UploadFile) ([]UploadFile, error) {
	prefix := o.filePath(f.Header.Timestamp, ModeTask)
	vi := prefix + "." + suffixVisible + ".jpg"
	ir := prefix + "." + suffixInfrared + ".jpg"
	if err := extract(vi, f.ExtractVisibleImage); err != nil {
		return nil, err
	}
	if err := extract(ir, f.ExtractInfraredImage); err != nil {
		return nil, err
	}

	visible, infrared := base, base
	visible.FilePath = vi
	visible.Type = NewPointFileType(base.DetectMethod, "1", ModeTask)
	infrared.FilePath = ir
	infrared.Type = NewPointFileType(base.DetectMethod, "2", ModeTask)
	return []UploadFile{visible, infrared}, nil
}

// 模式 2：原始数据文件，存在背景数据时附带背景文件
func (o *Orchestrator) handleStandard(f *datfile.File, base UploadFile, mac, bgPath string) ([]UploadFile, error) {
	path := o.filePath(f.Header.Timestamp, ModeT95) + "." + suffixStandard + ".dat"
	if err := extract(path, f.ExtractDatFile); err != nil {
		return nil, err
	}

	base.IDCode = mac
	std := base
	std.FilePath = path
	std.Type = NewPointFileType(base.DetectMethod, "1", ModeT95)
	files := []UploadFile{std}

	if bgPath != "" {
		bg := base
		bg.FilePath = bgPath
		bg.Type = NewPointFileType(base.DetectMethod, strconv.Itoa(NatureBackground), ModeT95)
		files = append(files, bg)
	}
	return files, nil
}

// 模式 3：DMS 图片，仪器编码取自文件头
func (o *Orchestrator) handleDMS(f *datfile.File, base UploadFile) ([]UploadFile, error) {
	path := o.filePath(f.Header.Timestamp, ModeDMS) + "." + suffixDMS + ".jpg"
	if err := extract(path, f.ExtractVisibleImage); err != nil {
		return nil, err
	}
	base.FilePath = path
	base.Type = NewPointFileType(base.DetectMethod, "*", ModeDMS)
	base.IDCode = f.Header.DeviceCode
	return []UploadFile{base}, nil
}

// filePath <临时目录>/<日期>/<模式>/<文件名>
func (o *Orchestrator) filePath(name string, mode DetectMode) string {
	return filepath.Join(o.cfg.TempDir, o.now().Format("2006-01-02"), strconv.Itoa(int(mode)), name)
}

func extract(path string, write func(string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	return write(path)
}

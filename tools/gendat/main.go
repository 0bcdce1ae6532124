package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/datfile"
	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/parser"
	"instrument-gateway/internal/simulator"
	"instrument-gateway/pkg/protocol"
)

// previewSize 报文十六进制预览的字节数
const previewSize = 64

func main() {
	point := flag.String("point", "100000000000000001", "检测点标识(18位)")
	mode := flag.Int("mode", 1, "检测模式 (1=任务, 2=T95, 3=DMS)")
	nature := flag.Uint("nature", 1, "数据性质 (1=检测, 2=背景)")
	count := flag.Int("count", 1, "生成数量")
	width := flag.Int("width", 32, "温度矩阵宽度")
	height := flag.Int("height", 24, "温度矩阵高度")
	ambient := flag.Float64("ambient", 25, "环境温度")
	deviceCode := flag.String("device-code", "DEV-01", "仪器编码")
	out := flag.String("out", "samples", "输出目录")
	compress := flag.Bool("zip", false, "打包为 zip")
	packet := flag.Bool("packet", false, "输出上传报文")
	seed := flag.Int64("seed", time.Now().UnixNano(), "随机种子")
	flag.Parse()

	if err := os.MkdirAll(*out, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "创建输出目录失败: %v\n", err)
		os.Exit(1)
	}

	gen := simulator.NewGenerator(*seed)
	start := time.Now().UnixMilli()
	files := make(map[string][]byte)
	var points []orchestrator.Point

	for i := 0; i < *count; i++ {
		ts := strconv.FormatInt(start+int64(i), 10)
		code := fmt.Sprintf("%s%d00", *point, *mode)
		buf, err := gen.Dat(simulator.Sample{
			PointCode:  code,
			DeviceCode: *deviceCode,
			Timestamp:  ts,
			Nature:     uint8(*nature),
			Width:      *width,
			Height:     *height,
			Ambient:    float32(*ambient),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成数据文件失败: %v\n", err)
			os.Exit(1)
		}

		name := ts + ".dat"
		path := filepath.Join(*out, name)
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "写入文件失败: %v\n", err)
			os.Exit(1)
		}
		files[name] = buf
		points = append(points, orchestrator.Point{WorkDetailID: *point, DeviceName: "样例"})

		fmt.Printf("数据文件 %d: %s (%d 字节)\n", i+1, path, len(buf))
		displayDat(buf)
		fmt.Println()
	}

	if *compress {
		archive, err := simulator.Zip(files)
		if err != nil {
			fmt.Fprintf(os.Stderr, "打包失败: %v\n", err)
			os.Exit(1)
		}
		path := filepath.Join(*out, "batch.zip")
		if err := os.WriteFile(path, archive, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "写入文件失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("压缩包: %s (%d 字节)\n\n", path, len(archive))
	}

	if *packet {
		log := logrus.New()
		codec := parser.NewCodec(log, parser.CRCLenient)
		desc := orchestrator.BuildTaskDescription(
			orchestrator.WorkOrder{WorkID: "SAMPLE", WorkName: "样例工单"},
			orchestrator.SubWork{SubWorkID: "SAMPLE-1", DetectMethod: orchestrator.MethodInfrared},
			points, orchestrator.DetectMode(*mode))
		// 每个检测点对应一个文件，文件名按时间戳顺序填入
		i := 0
		for ci := range desc.MainTask.SubTask.Clearances {
			tps := desc.MainTask.SubTask.Clearances[ci].TestPoints
			for pi := range tps {
				tps[pi].FileName = strconv.FormatInt(start+int64(i), 10) + ".dat"
				i++
			}
		}

		frame, err := simulator.BuildUpload(codec, desc, files, *compress)
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成上传报文失败: %v\n", err)
			os.Exit(1)
		}
		path := filepath.Join(*out, "upload.bin")
		if err := os.WriteFile(path, frame, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "写入文件失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("上传报文: %s\n", path)
		displayPacket(frame)
	}
}

// displayDat 解析并显示数据文件头部
func displayDat(buf []byte) {
	f, err := datfile.Open(buf)
	if err != nil {
		fmt.Printf("  错误: %v\n", err)
		return
	}
	h := f.Header
	pc := orchestrator.SplitPointCode(h.PointCode)
	fmt.Printf("  解析结果:\n")
	fmt.Printf("    时间戳:   %s\n", h.Timestamp)
	fmt.Printf("    性质:     %d (%s)\n", h.Nature, natureName(h.Nature))
	fmt.Printf("    检测点:   %s (模式 %d)\n", pc.Base, pc.Mode)
	fmt.Printf("    仪器编码: %s\n", h.DeviceCode)
	fmt.Printf("    矩阵:     %d x %d\n", h.Width, h.Height)
	fmt.Printf("    温度:     %.2f ~ %.2f ℃\n", h.TempMin, h.TempMax)
	fmt.Printf("    图像:     可见光 %d 字节, 红外 %d 字节\n", h.VisibleLength, h.InfraredLength)
}

// displayPacket 显示报文头部字段与十六进制预览
func displayPacket(frame []byte) {
	p, err := parser.Decode(frame)
	if err != nil {
		fmt.Printf("  错误: %v\n", err)
		return
	}
	preview := frame
	if len(preview) > previewSize {
		preview = preview[:previewSize]
	}
	fmt.Printf("  十六进制: %s...\n", hex.EncodeToString(preview))
	fmt.Printf("  解析结果:\n")
	fmt.Printf("    起始标识: 0x%08X %s\n", p.Magic, checkMagic(p.Magic))
	fmt.Printf("    序号:     %d\n", p.Sequence)
	fmt.Printf("    类型:     %s\n", p.MessageType)
	fmt.Printf("    总长度:   %d\n", p.TotalLength)
	fmt.Printf("    压缩:     %v\n", p.Compressed())
	fmt.Printf("    业务数据: %d 字节\n", len(p.BusinessData))
	fmt.Printf("    检测数据: %d 字节\n", len(p.DetectData))
	fmt.Printf("    CRC32:    0x%08X (校验%s)\n", p.CRC32, map[bool]string{true: "通过", false: "失败"}[p.CRCValid])
}

func checkMagic(magic uint32) string {
	if magic == protocol.Magic {
		return "✓"
	}
	return "✗ 错误"
}

func natureName(n uint8) string {
	switch n {
	case 1:
		return "检测"
	case orchestrator.NatureBackground:
		return "背景"
	default:
		return "未知"
	}
}

// Package simulator 模拟现场仪器：确认下发的任务并回传生成的检测数据。
package simulator

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"sort"

	"instrument-gateway/internal/datfile"
)

// Sample 单个检测文件的生成参数
type Sample struct {
	PointCode  string
	PointName  string
	DeviceCode string
	Timestamp  string
	Nature     uint8
	Width      int
	Height     int
	// Ambient 环境温度，矩阵在其上下浮动
	Ambient float32
}

// Generator 生成带温度矩阵和图像的 .dat 文件
type Generator struct {
	rand *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rand: rand.New(rand.NewSource(seed))}
}

// Dat 生成一个完整的 .dat 文件
func (g *Generator) Dat(s Sample) ([]byte, error) {
	if s.Width <= 0 || s.Height <= 0 {
		s.Width, s.Height = 32, 24
	}

	matrix, lo, hi := g.matrix(s.Width, s.Height, s.Ambient)
	visible, err := g.visible(s.Width, s.Height)
	if err != nil {
		return nil, err
	}
	infrared, err := g.infrared(s.Width, s.Height)
	if err != nil {
		return nil, err
	}

	return datfile.BuildWithMatrix(datfile.Header{
		TypeCode:           0x01,
		Timestamp:          s.Timestamp,
		Nature:             s.Nature,
		DeviceCode:         s.DeviceCode,
		PointName:          s.PointName,
		PointCode:          s.PointCode,
		StorageType:        datfile.StorageFloat32,
		Emissivity:         0.95,
		Distance:           5,
		AmbientTemperature: s.Ambient,
		Humidity:           45,
		TempMax:            hi,
		TempMin:            lo,
	}, matrix, visible, infrared)
}

// matrix 小端 float32 温度矩阵，返回最低和最高温度
func (g *Generator) matrix(w, h int, ambient float32) ([]byte, float32, float32) {
	buf := make([]byte, w*h*4)
	lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	// 模拟一个局部发热点
	cx, cy := g.rand.Intn(w), g.rand.Intn(h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := math.Hypot(float64(x-cx), float64(y-cy))
			v := ambient + float32(30/(1+d)) + g.rand.Float32()
			lo, hi = min(lo, v), max(hi, v)
			binary.LittleEndian.PutUint32(buf[(y*w+x)*4:], math.Float32bits(v))
		}
	}
	return buf, lo, hi
}

func (g *Generator) visible(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	base := uint8(g.rand.Intn(200))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: base + uint8(x), G: base + uint8(y), B: base, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("生成可见光图像失败: %w", err)
	}
	return buf.Bytes(), nil
}

// infrared PNG 的宽高位于第 16、20 字节，与 .dat 头部推导规则一致
func (g *Generator) infrared(w, h int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(g.rand.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("生成红外图像失败: %w", err)
	}
	return buf.Bytes(), nil
}

// Zip 将文件打包，条目按名称排序
func Zip(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

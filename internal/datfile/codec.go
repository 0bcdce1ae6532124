// Package datfile 解析和生成仪器检测数据 .dat 文件。
//
// 文件布局：512 字节前导区，379 字节头部字段，133 字节保留区，
// 随后依次为温度矩阵、可见光图像和红外图像。数值均为小端序。
package datfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

const (
	PreambleSize = 512
	FieldsSize   = 379
	ReservedSize = PreambleSize - FieldsSize
	// DataOffset 温度矩阵起始位置
	DataOffset = PreambleSize * 2

	DefaultDeviceName = "dms"
)

// 温度矩阵存储类型
const (
	StorageUint8   uint8 = 0x02
	StorageInt32   uint8 = 0x04
	StorageFloat32 uint8 = 0x06
)

var (
	ErrShortFile  = errors.New("datfile: file shorter than header")
	ErrNoImage    = errors.New("datfile: image length is zero")
	ErrOutOfRange = errors.New("datfile: section exceeds file size")
)

// Header .dat 文件头部
type Header struct {
	TypeCode              uint8
	TotalLength           int32
	Timestamp             string
	Nature                uint8
	DeviceName            string
	DeviceCode            string
	PointName             string
	PointCode             string
	ChannelID             int16
	StorageType           uint8
	TemperatureUnit       uint8
	Width                 int32
	Height                int32
	VisibleLength         int32
	InfraredLength        int32
	Emissivity            float32
	Distance              float32
	AmbientTemperature    float32
	Humidity              uint8
	ReflectionTemperature float32
	TempMax               float32
	TempMin               float32
	CustomReserved        []byte

	// 由宽高和存储类型推导
	VisibleOffset  int
	InfraredOffset int
}

// BytesPerPoint 温度矩阵每个点占用的字节数
func BytesPerPoint(storageType uint8) int {
	if storageType == StorageUint8 {
		return 1
	}
	return 4
}

// Recompute 宽、高、存储类型或图像长度变化后重新计算偏移
func (h *Header) Recompute() {
	matrix := BytesPerPoint(h.StorageType) * int(h.Width) * int(h.Height)
	h.VisibleOffset = DataOffset + matrix
	h.InfraredOffset = h.VisibleOffset + int(h.VisibleLength)
}

type field struct {
	name   string
	size   int
	decode func(h *Header, b []byte) error
	encode func(h *Header, b []byte) error
}

var (
	le      = binary.LittleEndian
	utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

func u8Field(name string, ptr func(*Header) *uint8) field {
	return field{name: name, size: 1,
		decode: func(h *Header, b []byte) error { *ptr(h) = b[0]; return nil },
		encode: func(h *Header, b []byte) error { b[0] = *ptr(h); return nil },
	}
}

func i16Field(name string, ptr func(*Header) *int16) field {
	return field{name: name, size: 2,
		decode: func(h *Header, b []byte) error { *ptr(h) = int16(le.Uint16(b)); return nil },
		encode: func(h *Header, b []byte) error { le.PutUint16(b, uint16(*ptr(h))); return nil },
	}
}

func i32Field(name string, ptr func(*Header) *int32) field {
	return field{name: name, size: 4,
		decode: func(h *Header, b []byte) error { *ptr(h) = int32(le.Uint32(b)); return nil },
		encode: func(h *Header, b []byte) error { le.PutUint32(b, uint32(*ptr(h))); return nil },
	}
}

func f32Field(name string, ptr func(*Header) *float32) field {
	return field{name: name, size: 4,
		decode: func(h *Header, b []byte) error { *ptr(h) = math.Float32frombits(le.Uint32(b)); return nil },
		encode: func(h *Header, b []byte) error { le.PutUint32(b, math.Float32bits(*ptr(h))); return nil },
	}
}

func asciiField(name string, size int, ptr func(*Header) *string) field {
	return field{name: name, size: size,
		decode: func(h *Header, b []byte) error { *ptr(h) = trimString(string(b)); return nil },
		encode: func(h *Header, b []byte) error { copy(b, *ptr(h)); return nil },
	}
}

func utf16Field(name string, size int, ptr func(*Header) *string) field {
	return field{name: name, size: size,
		decode: func(h *Header, b []byte) error {
			s, err := utf16le.NewDecoder().Bytes(b)
			if err != nil {
				return err
			}
			*ptr(h) = trimString(string(s))
			return nil
		},
		encode: func(h *Header, b []byte) error {
			s, err := utf16le.NewEncoder().Bytes([]byte(*ptr(h)))
			if err != nil {
				return err
			}
			n := len(s)
			if n > len(b) {
				n = len(b) &^ 1
			}
			copy(b, s[:n])
			return nil
		},
	}
}

var timestampField = field{name: "timestamp", size: 8,
	decode: func(h *Header, b []byte) error {
		h.Timestamp = strconv.FormatUint(le.Uint64(b), 10)
		return nil
	},
	encode: func(h *Header, b []byte) error {
		v, err := strconv.ParseUint(h.Timestamp, 10, 64)
		if err != nil {
			return err
		}
		le.PutUint64(b, v)
		return nil
	},
}

// headerFields 按文件顺序排列的头部字段
var headerFields = []field{
	u8Field("typeCode", func(h *Header) *uint8 { return &h.TypeCode }),
	i32Field("totalLength", func(h *Header) *int32 { return &h.TotalLength }),
	timestampField,
	u8Field("nature", func(h *Header) *uint8 { return &h.Nature }),
	utf16Field("deviceName", 118, func(h *Header) *string { return &h.DeviceName }),
	asciiField("deviceCode", 42, func(h *Header) *string { return &h.DeviceCode }),
	utf16Field("pointName", 128, func(h *Header) *string { return &h.PointName }),
	asciiField("pointCode", 32, func(h *Header) *string { return &h.PointCode }),
	i16Field("channelId", func(h *Header) *int16 { return &h.ChannelID }),
	u8Field("storageType", func(h *Header) *uint8 { return &h.StorageType }),
	u8Field("temperatureUnit", func(h *Header) *uint8 { return &h.TemperatureUnit }),
	i32Field("width", func(h *Header) *int32 { return &h.Width }),
	i32Field("height", func(h *Header) *int32 { return &h.Height }),
	i32Field("visibleLength", func(h *Header) *int32 { return &h.VisibleLength }),
	i32Field("infraredLength", func(h *Header) *int32 { return &h.InfraredLength }),
	f32Field("emissivity", func(h *Header) *float32 { return &h.Emissivity }),
	f32Field("distance", func(h *Header) *float32 { return &h.Distance }),
	f32Field("ambientTemperature", func(h *Header) *float32 { return &h.AmbientTemperature }),
	u8Field("humidity", func(h *Header) *uint8 { return &h.Humidity }),
	f32Field("reflectionTemperature", func(h *Header) *float32 { return &h.ReflectionTemperature }),
	f32Field("tempMax", func(h *Header) *float32 { return &h.TempMax }),
	f32Field("tempMin", func(h *Header) *float32 { return &h.TempMin }),
}

func trimString(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// ParseHeader 解析头部字段并计算图像偏移
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < DataOffset {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFile, len(buf))
	}

	h := &Header{}
	off := PreambleSize
	for _, f := range headerFields {
		if err := f.decode(h, buf[off:off+f.size]); err != nil {
			return nil, fmt.Errorf("解析字段 %s 失败: %w", f.name, err)
		}
		off += f.size
	}
	h.CustomReserved = append([]byte(nil), buf[off:DataOffset]...)
	h.Recompute()
	return h, nil
}

// BuildHeaderBuffer 按给定头部生成完整的 .dat 文件内容，保留区之后直接拼接图像。
// 未设置的设备名、时间戳和总长度取默认值；提供红外图像时宽高取自图像第 16、20 字节（大端）。
func BuildHeaderBuffer(partial Header, visible, infrared []byte) ([]byte, error) {
	return BuildWithMatrix(partial, nil, visible, infrared)
}

// BuildWithMatrix 与 BuildHeaderBuffer 相同，但在图像之前写入温度矩阵，
// 矩阵长度必须等于 宽×高×每点字节数
func BuildWithMatrix(partial Header, matrix, visible, infrared []byte) ([]byte, error) {
	h := partial
	if h.DeviceName == "" {
		h.DeviceName = DefaultDeviceName
	}
	if h.Timestamp == "" {
		h.Timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if h.TotalLength == 0 {
		h.TotalLength = int32(PreambleSize + len(visible))
	}
	if len(infrared) >= 24 {
		h.Width = int32(binary.BigEndian.Uint32(infrared[16:20]))
		h.Height = int32(binary.BigEndian.Uint32(infrared[20:24]))
	}
	if visible != nil {
		h.VisibleLength = int32(len(visible))
	}
	if infrared != nil {
		h.InfraredLength = int32(len(infrared))
	}

	if matrix != nil {
		want := BytesPerPoint(h.StorageType) * int(h.Width) * int(h.Height)
		if len(matrix) != want {
			return nil, fmt.Errorf("%w: matrix %d bytes, want %d", ErrOutOfRange, len(matrix), want)
		}
	}

	fields := make([]byte, FieldsSize)
	off := 0
	for _, f := range headerFields {
		if err := f.encode(&h, fields[off:off+f.size]); err != nil {
			return nil, fmt.Errorf("写入字段 %s 失败: %w", f.name, err)
		}
		off += f.size
	}

	var out bytes.Buffer
	out.Grow(DataOffset + len(matrix) + len(visible) + len(infrared))
	out.Write(make([]byte, PreambleSize))
	out.Write(fields)
	reserved := make([]byte, ReservedSize)
	copy(reserved, h.CustomReserved)
	out.Write(reserved)
	out.Write(matrix)
	out.Write(visible)
	out.Write(infrared)
	return out.Bytes(), nil
}

// File 已加载到内存的 .dat 文件
type File struct {
	buf    []byte
	Header *Header
}

// Open 从内存数据解析 .dat 文件
func Open(buf []byte) (*File, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	return &File{buf: buf, Header: h}, nil
}

// ReadFile 从磁盘读取 .dat 文件
func ReadFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取数据文件失败: %w", err)
	}
	return Open(buf)
}

// Bytes 原始文件内容
func (f *File) Bytes() []byte {
	return f.buf
}

func (f *File) section(offset int, length int32) ([]byte, error) {
	if length <= 0 {
		return nil, ErrNoImage
	}
	end := offset + int(length)
	if offset < 0 || end > len(f.buf) {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, offset, end, len(f.buf))
	}
	return f.buf[offset:end], nil
}

// VisibleImage 可见光图像数据
func (f *File) VisibleImage() ([]byte, error) {
	return f.section(f.Header.VisibleOffset, f.Header.VisibleLength)
}

// InfraredImage 红外图像数据
func (f *File) InfraredImage() ([]byte, error) {
	return f.section(f.Header.InfraredOffset, f.Header.InfraredLength)
}

// ExtractVisibleImage 将可见光图像写入文件
func (f *File) ExtractVisibleImage(path string) error {
	img, err := f.VisibleImage()
	if err != nil {
		return err
	}
	return writeFile(path, img)
}

// ExtractInfraredImage 将红外图像写入文件
func (f *File) ExtractInfraredImage(path string) error {
	img, err := f.InfraredImage()
	if err != nil {
		return err
	}
	return writeFile(path, img)
}

// ExtractDatFile 将完整文件写入指定路径
func (f *File) ExtractDatFile(path string) error {
	return writeFile(path, f.buf)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入文件 %s 失败: %w", path, err)
	}
	return nil
}

// TemperatureMatrix 读取温度矩阵，height 行 width 列
func (f *File) TemperatureMatrix() ([][]float64, error) {
	h := f.Header
	k := BytesPerPoint(h.StorageType)
	w, ht := int(h.Width), int(h.Height)
	if w < 0 || ht < 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrOutOfRange, w, ht)
	}
	if w == 0 || ht == 0 {
		return [][]float64{}, nil
	}
	// 按可用字节反推上限，避免 w*ht*k 溢出
	avail := len(f.buf) - DataOffset
	if avail < 0 || w > avail/k/ht {
		return nil, fmt.Errorf("%w: matrix %dx%d exceeds %d bytes", ErrOutOfRange, w, ht, avail)
	}

	matrix := make([][]float64, ht)
	for i := 0; i < ht; i++ {
		row := make([]float64, w)
		for j := 0; j < w; j++ {
			idx := DataOffset + (i*w+j)*k
			switch h.StorageType {
			case StorageUint8:
				row[j] = float64(f.buf[idx])
			case StorageInt32:
				row[j] = float64(int32(le.Uint32(f.buf[idx:])))
			case StorageFloat32:
				row[j] = float64(math.Float32frombits(le.Uint32(f.buf[idx:])))
			}
		}
		matrix[i] = row
	}
	return matrix, nil
}

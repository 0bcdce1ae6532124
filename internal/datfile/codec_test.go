package datfile

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInfrared 模拟 PNG：第 16、20 字节为大端宽高
func fakeInfrared(width, height uint32, size int) []byte {
	img := make([]byte, size)
	copy(img, []byte{0x89, 'P', 'N', 'G'})
	binary.BigEndian.PutUint32(img[16:20], width)
	binary.BigEndian.PutUint32(img[20:24], height)
	for i := 24; i < size; i++ {
		img[i] = byte(i)
	}
	return img
}

func TestBuildAndParseHeader(t *testing.T) {
	visible := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3, 4, 0xFF, 0xD9}
	buf, err := BuildHeaderBuffer(Header{
		TypeCode:           0x01,
		Timestamp:          "1718000000123",
		Nature:             1,
		DeviceName:         "1号主变",
		DeviceCode:         "DEV-001",
		PointName:          "高压侧A相",
		PointCode:          "12345678901234567811001",
		ChannelID:          3,
		TemperatureUnit:    1,
		Emissivity:         0.95,
		Distance:           5,
		AmbientTemperature: 25.5,
		Humidity:           60,
		TempMax:            80.25,
		TempMin:            -10.5,
	}, visible, nil)
	require.NoError(t, err)
	assert.Len(t, buf, DataOffset+len(visible))

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), h.TypeCode)
	assert.Equal(t, int32(PreambleSize+len(visible)), h.TotalLength)
	assert.Equal(t, "1718000000123", h.Timestamp)
	assert.Equal(t, uint8(1), h.Nature)
	assert.Equal(t, "1号主变", h.DeviceName)
	assert.Equal(t, "DEV-001", h.DeviceCode)
	assert.Equal(t, "高压侧A相", h.PointName)
	assert.Equal(t, "12345678901234567811001", h.PointCode)
	assert.Equal(t, int16(3), h.ChannelID)
	assert.Equal(t, int32(len(visible)), h.VisibleLength)
	assert.Zero(t, h.InfraredLength)
	assert.InDelta(t, 0.95, h.Emissivity, 1e-6)
	assert.InDelta(t, 25.5, h.AmbientTemperature, 1e-6)
	assert.Equal(t, uint8(60), h.Humidity)
	assert.InDelta(t, 80.25, h.TempMax, 1e-6)
	assert.InDelta(t, -10.5, h.TempMin, 1e-6)
	assert.Len(t, h.CustomReserved, ReservedSize)
	assert.Equal(t, DataOffset, h.VisibleOffset)
	assert.Equal(t, DataOffset+len(visible), h.InfraredOffset)
}

func TestBuildDefaults(t *testing.T) {
	buf, err := BuildHeaderBuffer(Header{}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, buf, DataOffset)

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceName, h.DeviceName)
	assert.Equal(t, int32(PreambleSize), h.TotalLength)
	assert.NotEqual(t, "0", h.Timestamp)
}

func TestMatrixAndImages(t *testing.T) {
	visible := []byte("visible-jpeg")
	infrared := fakeInfrared(3, 2, 40)
	matrix := []byte{10, 20, 30, 40, 50, 60}

	buf, err := BuildWithMatrix(Header{StorageType: StorageUint8}, matrix, visible, infrared)
	require.NoError(t, err)

	f, err := Open(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.Header.Width)
	assert.Equal(t, int32(2), f.Header.Height)
	assert.Equal(t, DataOffset+len(matrix), f.Header.VisibleOffset)

	m, err := f.TemperatureMatrix()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{10, 20, 30}, {40, 50, 60}}, m)

	vi, err := f.VisibleImage()
	require.NoError(t, err)
	assert.Equal(t, visible, vi)
	ir, err := f.InfraredImage()
	require.NoError(t, err)
	assert.Equal(t, infrared, ir)

	dir := t.TempDir()
	require.NoError(t, f.ExtractVisibleImage(filepath.Join(dir, "a.vi.jpg")))
	require.NoError(t, f.ExtractInfraredImage(filepath.Join(dir, "a.ir.jpg")))
	require.NoError(t, f.ExtractDatFile(filepath.Join(dir, "a.dat")))

	got, err := os.ReadFile(filepath.Join(dir, "a.ir.jpg"))
	require.NoError(t, err)
	assert.Equal(t, infrared, got)

	reread, err := ReadFile(filepath.Join(dir, "a.dat"))
	require.NoError(t, err)
	assert.Equal(t, f.Header, reread.Header)
}

func TestFloatMatrix(t *testing.T) {
	h := Header{StorageType: StorageFloat32, Width: 2, Height: 1}
	matrix := make([]byte, 8)
	binary.LittleEndian.PutUint32(matrix[0:], 0x41C80000) // 25.0
	binary.LittleEndian.PutUint32(matrix[4:], 0xC1200000) // -10.0

	buf, err := BuildWithMatrix(h, matrix, nil, nil)
	require.NoError(t, err)
	f, err := Open(buf)
	require.NoError(t, err)

	m, err := f.TemperatureMatrix()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{25, -10}}, m)
}

func TestErrors(t *testing.T) {
	_, err := ParseHeader(make([]byte, 100))
	assert.ErrorIs(t, err, ErrShortFile)

	_, err = BuildWithMatrix(Header{StorageType: StorageInt32, Width: 2, Height: 2}, []byte{1}, nil, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)

	buf, err := BuildHeaderBuffer(Header{}, nil, nil)
	require.NoError(t, err)
	f, err := Open(buf)
	require.NoError(t, err)
	_, err = f.VisibleImage()
	assert.ErrorIs(t, err, ErrNoImage)

	// 头部声明的长度超出文件
	f.Header.InfraredLength = 100
	_, err = f.InfraredImage()
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTemperatureMatrixHostileDimensions(t *testing.T) {
	f := &File{buf: make([]byte, DataOffset+16), Header: &Header{StorageType: StorageInt32}}

	cases := map[string][2]int32{
		"product overflows": {math.MaxInt32, math.MaxInt32},
		"one row too many":  {2, 3},
		"negative height":   {4, -1},
	}
	for name, dims := range cases {
		t.Run(name, func(t *testing.T) {
			f.Header.Width, f.Header.Height = dims[0], dims[1]
			_, err := f.TemperatureMatrix()
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}

	// 宽为 0 时不按高度分配
	f.Header.Width, f.Header.Height = 0, math.MaxInt32
	m, err := f.TemperatureMatrix()
	require.NoError(t, err)
	assert.Empty(t, m)

	f.Header.Width, f.Header.Height = 2, 2
	m, err = f.TemperatureMatrix()
	require.NoError(t, err)
	assert.Len(t, m, 2)
}

func TestRecompute(t *testing.T) {
	h := &Header{StorageType: StorageInt32, Width: 4, Height: 3, VisibleLength: 10}
	h.Recompute()
	assert.Equal(t, DataOffset+48, h.VisibleOffset)
	assert.Equal(t, DataOffset+58, h.InfraredOffset)

	h.StorageType = StorageUint8
	h.Recompute()
	assert.Equal(t, DataOffset+12, h.VisibleOffset)
}

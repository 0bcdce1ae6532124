package orchestrator

import (
	"context"
	"fmt"
	"sort"
)

// WorkStatus 工单状态
type WorkStatus int

const (
	WorkPending   WorkStatus = 0  // 待执行
	WorkRunning   WorkStatus = 1  // 执行中
	WorkCompleted WorkStatus = 2  // 已完成
	WorkOverdue   WorkStatus = 10 // 已逾期
)

// DetectMode 检测模式
type DetectMode int

const (
	ModeCooperative DetectMode = 0 // 协同
	ModeTask        DetectMode = 1 // 任务
	ModeT95         DetectMode = 2 // T95，经蓝牙桥接
	ModeDMS         DetectMode = 3
)

// DetectMethod 检测方法
type DetectMethod int

const (
	MethodUHF          DetectMethod = 1  // 特高频局放
	MethodHF           DetectMethod = 2  // 高频检测
	MethodUltrasonic   DetectMethod = 3  // 超声检测
	MethodTEV          DetectMethod = 4  // TEV检测
	MethodGas          DetectMethod = 5  // 气体检测
	MethodInfrared     DetectMethod = 6  // 红外
	MethodUltraviolet  DetectMethod = 7  // 紫外
	MethodVisualUltra  DetectMethod = 8  // 可视化超声
	MethodVibration    DetectMethod = 9  // 采油/振动
	MethodNonContactAE DetectMethod = 10 // 非接触式超声
)

// DefaultDetectMethod 主任务类型码无法识别时使用
const DefaultDetectMethod = MethodInfrared

// 检测方法到主任务类型码
var mainTaskTypeCodes = map[DetectMethod]int{
	MethodUHF:          0x06,
	MethodHF:           0x08,
	MethodUltrasonic:   0x04,
	MethodTEV:          0x05,
	MethodGas:          0x11,
	MethodInfrared:     0x01,
	MethodUltraviolet:  0x07,
	MethodVisualUltra:  0x04,
	MethodVibration:    0x0a,
	MethodNonContactAE: 0x04,
}

// 类型码重复时编号较大的检测方法生效
var typeCodeMethods = func() map[int]DetectMethod {
	methods := make([]int, 0, len(mainTaskTypeCodes))
	for m := range mainTaskTypeCodes {
		methods = append(methods, int(m))
	}
	sort.Ints(methods)
	out := make(map[int]DetectMethod, len(methods))
	for _, m := range methods {
		out[mainTaskTypeCodes[DetectMethod(m)]] = DetectMethod(m)
	}
	return out
}()

// MainTaskTypeCode 主任务类型码，未知方法返回 0
func (m DetectMethod) MainTaskTypeCode() int {
	return mainTaskTypeCodes[m]
}

// MethodFromTypeCode 由主任务类型码反查检测方法，未知类型码回退到红外
func MethodFromTypeCode(code int) DetectMethod {
	if m, ok := typeCodeMethods[code]; ok {
		return m
	}
	return DefaultDetectMethod
}

// PointFileType 检测文件类型，格式 方法-性质-模式
type PointFileType string

const fileTypeDelimiter = "-"

// NewPointFileType 组装文件类型，kind 为 "1"/"2" 或 "*"
func NewPointFileType(method DetectMethod, kind string, mode DetectMode) PointFileType {
	return PointFileType(fmt.Sprintf("%d%s%s%s%d", method, fileTypeDelimiter, kind, fileTypeDelimiter, mode))
}

var fileKeys = map[PointFileType]string{
	"1-1-2":  "uhfDataFile",
	"1-2-2":  "uhfBgDataFile",
	"2-1-2":  "hfctDataFile",
	"2-2-2":  "hfctBgDataFile",
	"3-1-2":  "aeDataFile",
	"3-2-2":  "aeBgDataFile",
	"4-1-2":  "tevDataFile",
	"4-2-2":  "tevBgDataFile",
	"6-1-1":  "camFileName",
	"6-2-1":  "firFileName",
	"6-1-0":  "camFileName",
	"6-2-0":  "firFileName",
	"10-1-2": "aeDataFile",
	"10-2-2": "aeBgDataFile",
	"1-*-3":  "dmsFileName",
	"2-*-3":  "uhfFileName",
}

// FileKey 平台上报报文中该类型文件对应的字段名
func (t PointFileType) FileKey() (string, bool) {
	k, ok := fileKeys[t]
	return k, ok
}

// 落盘文件后缀
const (
	suffixVisible    = "vi"
	suffixInfrared   = "ir"
	suffixDMS        = "dms"
	suffixStandard   = "std"
	suffixBackground = "bkg"
)

// NatureBackground .dat 头部 nature 字段的背景数据取值
const NatureBackground = 2

// WorkOrder 工单
type WorkOrder struct {
	WorkID   string     `json:"workId"`
	WorkName string     `json:"workName"`
	Status   WorkStatus `json:"status"`
}

// SubWork 子工单
type SubWork struct {
	SubWorkID      string       `json:"subWorkId"`
	DetectMethod   DetectMethod `json:"detectMethod"`
	DetectMethodCn string       `json:"detectMethodCn"`
}

// Point 子工单检测点
type Point struct {
	WorkDetailID       string `json:"workDetailId"`
	GroupID            string `json:"groupId"`
	DeviceType         string `json:"deviceType"`
	DeviceTypeName     string `json:"deviceTypeName"`
	DeviceName         string `json:"deviceName"`
	DetectPositionName string `json:"detectPositionName"`
	OrderNumber        int    `json:"orderNumber"`
	GroupOrder         int    `json:"groupOrder"`
	Status             int    `json:"status"`
	VoltageLevel       string `json:"voltageLevel"`
}

// TransportParams 下发与接收时使用的通信参数
type TransportParams struct {
	Host string     `json:"host"`
	Port int        `json:"port"`
	Mode DetectMode `json:"mode"`
	// WorkStatus 为空表示工单状态未知
	WorkStatus *WorkStatus `json:"workStatus,omitempty"`
	// FileNames 检测点编码到已接收文件名（时间戳）的映射
	FileNames map[string][]string `json:"workDetailFileNameMap,omitempty"`
}

// ParamsProvider 按工单查询通信参数
type ParamsProvider interface {
	Params(ctx context.Context, workID, subWorkID string) (TransportParams, error)
}

// UploadFile 待上传的检测文件
type UploadFile struct {
	WorkID          string        `json:"workId"`
	SubWorkID       string        `json:"subWorkId"`
	WorkDetailID    string        `json:"workDetailId"`
	FilePath        string        `json:"filePath"`
	FileGroup       string        `json:"fileGroup"`
	Mode            DetectMode    `json:"mode"`
	DetectMethod    DetectMethod  `json:"detectMethod"`
	Type            PointFileType `json:"type"`
	WorkDetailType  int           `json:"workDetailType"`
	WorkDetailIndex int           `json:"workDetailIndex"`
	IDCode          string        `json:"idCode,omitempty"`
	Timestamp       string        `json:"timestamp"`
}

// FileGroup 同一检测点一次检测产生的文件
type FileGroup struct {
	ID    string       `json:"id"`
	Files []UploadFile `json:"files"`
}

// Uploader 接收处理完成的文件组
type Uploader interface {
	Upload(ctx context.Context, groups []FileGroup) error
}

// TCPSender TCP 发送
type TCPSender interface {
	Send(host string, port int, data []byte) error
}

// BluetoothSender 蓝牙桥接发送
type BluetoothSender interface {
	SendData(data []byte) error
}

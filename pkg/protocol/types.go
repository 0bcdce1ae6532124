package protocol

import (
	"regexp"
	"strconv"
)

// MessageType 报文类型编码
type MessageType uint32

const (
	TaskIssued           MessageType = 0x00000001 // 任务下发
	TaskReceiveAck       MessageType = 0x80000001 // 任务接收确认
	RequestConnection    MessageType = 0x00000002 // 请求连接
	RequestConnectionAck MessageType = 0x80000002 // 请求连接确认
	FileUpload           MessageType = 0x00000003 // 检测数据文件上传
	FileUploadAck        MessageType = 0x80000003 // 检测数据文件接收确认
)

var messageTypeNames = map[MessageType]string{
	TaskIssued:           "TaskIssued",
	TaskReceiveAck:       "TaskReceiveAck",
	RequestConnection:    "RequestConnection",
	RequestConnectionAck: "RequestConnectionAck",
	FileUpload:           "FileUpload",
	FileUploadAck:        "FileUploadAck",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// RequestFlag 请求类型标志
type RequestFlag uint8

const (
	FlagReply   RequestFlag = 0x00 // 应答
	FlagRequest RequestFlag = 0x01 // 主动请求（任务下发）
)

// 协议常量
const (
	Magic          uint32 = 0xEB90EB90
	Version        uint8  = 1
	Tail           uint8  = 0x03
	BusinessFormat uint8  = 0x01
	ReservedSize          = 15

	// FixedHeaderSize 业务数据之前的固定头部 + 检测数据长度字段
	FixedHeaderSize = 55
	// TrailerSize CRC32 + 报文尾
	TrailerSize = 5
	// MinFrameSize 空业务数据、空检测数据时的报文长度
	MinFrameSize = FixedHeaderSize + TrailerSize
)

// MagicBytes 二进制帧起始标识
var MagicBytes = []byte{0xEB, 0x90, 0xEB, 0x90}

// 业务数据中携带的应用层确认码
const (
	AckCodeCRCRetry   = 100 // CRC 校验失败，应重新发送此序号的数据包
	AckCodeOK         = 200 // 数据正常
	AckCodeFieldError = 300 // 报文字段验证错误，应重新发送此序号的数据包
)

const (
	BusinessDataCRC = "<error_code>100</error_code>"
	BusinessDataAck = "<error_code>200</error_code>"
	BusinessDataERR = "<error_code>300</error_code>"
)

// Packet 解码后的协议报文
type Packet struct {
	Magic           uint32
	Version         uint8
	Sequence        uint16
	RequestFlag     RequestFlag
	TotalLength     uint64
	MessageType     MessageType
	CompressionFlag uint8
	EncryptionFlag  uint8
	VendorID        uint8
	Reserved        [ReservedSize]byte
	BusinessFormat  uint8
	BusinessData    string
	DetectData      []byte
	CRC32           uint32
	Tail            uint8

	// CRCValid 解码时计算，编码时忽略
	CRCValid bool
}

// Compressed 检测数据是否为压缩包
func (p *Packet) Compressed() bool {
	return p.CompressionFlag != 0
}

var ackCodePattern = regexp.MustCompile(`<error_code>\s*(\d+)\s*</error_code>`)

// ParseAckCode 从业务数据中提取应用层确认码
func ParseAckCode(businessData string) (int, bool) {
	m := ackCodePattern.FindStringSubmatch(businessData)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// AckBusinessData 返回确认码对应的业务数据
func AckBusinessData(code int) string {
	switch code {
	case AckCodeCRCRetry:
		return BusinessDataCRC
	case AckCodeFieldError:
		return BusinessDataERR
	default:
		return BusinessDataAck
	}
}

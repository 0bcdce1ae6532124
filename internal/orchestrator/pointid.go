package orchestrator

import "strconv"

// 检测点编码各段长度：基础编码 18 位，模式 1 位，明细类型 1 位，其余为明细序号
const (
	pointBaseLen       = 18
	pointModeLen       = 1
	pointDetailTypeLen = 1
)

// 明细类型
const (
	DetailRetest   = 1 // 重测
	DetailAddition = 2 // 增测
)

// PointCode 拆分后的检测点编码
type PointCode struct {
	Base        string
	Mode        DetectMode
	DetailType  int
	DetailIndex int
}

// SplitPointCode 按 [18,1,1,余下] 拆分检测点编码。编码不足时缺失段为零值，非数字段按 0 处理。
func SplitPointCode(code string) PointCode {
	var pc PointCode
	rest := code

	take := func(n int) string {
		if n > len(rest) {
			n = len(rest)
		}
		part := rest[:n]
		rest = rest[n:]
		return part
	}

	pc.Base = take(pointBaseLen)
	pc.Mode = DetectMode(atoi(take(pointModeLen)))
	pc.DetailType = atoi(take(pointDetailTypeLen))
	pc.DetailIndex = atoi(rest)
	return pc
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

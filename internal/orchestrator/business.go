package orchestrator

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// TaskDescriptionVersion 任务描述版本
const TaskDescriptionVersion = "1.0"

// 模式1按设备类型分组，未识别的类型归入“其他”
var clearanceDeviceTypes = []string{"GIS", "开关柜", "主变", "其他"}

const otherDeviceType = "其他"

// TaskDescription 业务数据 XML 根节点
type TaskDescription struct {
	XMLName  xml.Name `xml:"IDescription"`
	Version  string   `xml:"version"`
	MainTask MainTask `xml:"main_task"`
}

type MainTask struct {
	ID        string  `xml:"id,attr"`
	Name      string  `xml:"name,attr"`
	Type      string  `xml:"type,attr"`
	FileCount string  `xml:"file_count,omitempty"`
	FileType  string  `xml:"file_type,omitempty"`
	SubTask   SubTask `xml:"sub_task"`
}

type SubTask struct {
	ID         string      `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	Clearances []Clearance `xml:"clearance"`
}

type Clearance struct {
	ID         string      `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	SN         string      `xml:"sn,attr"`
	TestPoints []TestPoint `xml:"test_point"`
}

type TestPoint struct {
	ID             string `xml:"id,attr"`
	Name           string `xml:"name,attr,omitempty"`
	Part           string `xml:"part,attr,omitempty"`
	SN             string `xml:"sn,attr,omitempty"`
	DeviceTypeID   string `xml:"device_type_id,attr,omitempty"`
	DeviceTypeName string `xml:"device_type_name,attr,omitempty"`
	Status         string `xml:"status,attr,omitempty"`
	FileName       string `xml:"filename,attr,omitempty"`
	FaultNature    string `xml:"fault_nature,attr,omitempty"`
	Phase          string `xml:"phase,attr,omitempty"`
	FullscreenMax  string `xml:"fullscrean_max,attr,omitempty"`
	FullscreenMin  string `xml:"fullscrean_min,attr,omitempty"`
	BgFileName     string `xml:"bgfilename,attr,omitempty"`
	VoltageLevel   string `xml:"voltage_level,attr,omitempty"`
}

// BuildTaskDescription 按检测模式组装下发任务描述
func BuildTaskDescription(work WorkOrder, sub SubWork, points []Point, mode DetectMode) *TaskDescription {
	var clearances []Clearance
	switch mode {
	case ModeTask:
		clearances = clearancesByDeviceType(points)
	case ModeT95:
		clearances = clearancesByGroup(points)
	case ModeDMS:
		clearances = clearanceDMS(points)
	}

	return &TaskDescription{
		Version: TaskDescriptionVersion,
		MainTask: MainTask{
			ID:   work.WorkID,
			Name: work.WorkName,
			Type: strconv.Itoa(sub.DetectMethod.MainTaskTypeCode()),
			SubTask: SubTask{
				ID:         sub.SubWorkID,
				Name:       sub.DetectMethodCn,
				Clearances: clearances,
			},
		},
	}
}

func clearancesByDeviceType(points []Point) []Clearance {
	byType := make(map[string][]TestPoint, len(clearanceDeviceTypes))
	for _, t := range clearanceDeviceTypes {
		byType[t] = nil
	}

	// sn 在所有类型间连续编号
	for sn, p := range points {
		key := p.DeviceTypeName
		if _, ok := byType[key]; !ok {
			key = otherDeviceType
		}
		byType[key] = append(byType[key], TestPoint{
			ID:   p.WorkDetailID,
			Name: p.DeviceName,
			Part: p.DetectPositionName,
			SN:   strconv.Itoa(sn),
		})
	}

	out := make([]Clearance, 0, len(clearanceDeviceTypes))
	for i, t := range clearanceDeviceTypes {
		out = append(out, Clearance{
			ID:         strconv.Itoa(i + 1),
			Name:       t,
			SN:         strconv.Itoa(i + 1),
			TestPoints: byType[t],
		})
	}
	return out
}

func clearancesByGroup(points []Point) []Clearance {
	var order []string
	groups := make(map[string][]Point)
	for _, p := range points {
		if _, ok := groups[p.GroupID]; !ok {
			order = append(order, p.GroupID)
		}
		groups[p.GroupID] = append(groups[p.GroupID], p)
	}

	out := make([]Clearance, 0, len(order))
	for _, id := range order {
		members := groups[id]
		first := members[0]
		c := Clearance{
			ID:   id,
			Name: first.DeviceName + first.DetectPositionName,
			SN:   strconv.Itoa(first.GroupOrder),
		}
		for _, p := range members {
			c.TestPoints = append(c.TestPoints, TestPoint{
				ID:   p.WorkDetailID,
				Name: retestName(p),
				Part: p.DetectPositionName,
				SN:   strconv.Itoa(p.OrderNumber),
			})
		}
		out = append(out, c)
	}
	return out
}

// 明细序号为 1 的是首测，其余为第 N 次增测
func retestName(p Point) string {
	idx := SplitPointCode(p.WorkDetailID).DetailIndex
	if idx == 1 {
		return p.DeviceName
	}
	return fmt.Sprintf("第%d(次)增测%s", idx-1, p.DeviceName)
}

func clearanceDMS(points []Point) []Clearance {
	c := Clearance{ID: "1", Name: "temp", SN: "1"}
	for i, p := range points {
		c.TestPoints = append(c.TestPoints, TestPoint{
			ID:             p.WorkDetailID,
			Name:           p.DeviceName,
			Part:           p.DetectPositionName,
			SN:             strconv.Itoa(i + 1),
			DeviceTypeID:   p.DeviceType,
			DeviceTypeName: p.DeviceTypeName,
			Status:         strconv.Itoa(p.Status),
		})
	}
	return []Clearance{c}
}

// Marshal 输出不带 XML 声明的缩进文本
func (d *TaskDescription) Marshal() (string, error) {
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("生成任务描述失败: %w", err)
	}
	return string(out), nil
}

// ParseTaskDescription 解析设备上传时携带的任务描述
func ParseTaskDescription(data string) (*TaskDescription, error) {
	var d TaskDescription
	if err := xml.NewDecoder(strings.NewReader(data)).Decode(&d); err != nil {
		return nil, fmt.Errorf("解析任务描述失败: %w", err)
	}
	d.Version = strings.TrimSpace(d.Version)
	d.MainTask.FileType = strings.TrimSpace(d.MainTask.FileType)
	d.MainTask.FileCount = strings.TrimSpace(d.MainTask.FileCount)
	return &d, nil
}

// AcceptedFile 上传描述中的单个检测文件
type AcceptedFile struct {
	PointID  string
	FileName string
}

// AcceptedDetect 上传描述中解析出的工单信息
type AcceptedDetect struct {
	WorkID       string
	SubWorkID    string
	DetectMethod DetectMethod
	Files        []AcceptedFile
	// FileGroups 检测点基础编码到文件组标识
	FileGroups map[string]string
}

// PointIDs 上传描述中出现的检测点基础编码
func (a AcceptedDetect) PointIDs() map[string]bool {
	ids := make(map[string]bool, len(a.Files))
	for _, f := range a.Files {
		ids[f.PointID] = true
	}
	return ids
}

// Accept 提取工单、检测方法和文件清单。红外检测的 .dat 文件展开为可见光和红外两张图片。
func (d *TaskDescription) Accept(newGroup func() string) AcceptedDetect {
	method := DefaultDetectMethod
	if code, err := strconv.ParseInt(strings.TrimSpace(d.MainTask.Type), 0, 32); err == nil {
		method = MethodFromTypeCode(int(code))
	}

	acc := AcceptedDetect{
		WorkID:       d.MainTask.ID,
		SubWorkID:    d.MainTask.SubTask.ID,
		DetectMethod: method,
		FileGroups:   make(map[string]string),
	}

	for _, c := range d.MainTask.SubTask.Clearances {
		for _, tp := range c.TestPoints {
			id := SplitPointCode(tp.ID).Base
			acc.FileGroups[id] = newGroup()
			if method == MethodInfrared && strings.HasSuffix(tp.FileName, ".dat") {
				base := strings.TrimSuffix(tp.FileName, ".dat")
				acc.Files = append(acc.Files,
					AcceptedFile{PointID: id, FileName: base + "." + suffixVisible + ".jpg"},
					AcceptedFile{PointID: id, FileName: base + "." + suffixInfrared + ".jpg"},
				)
				continue
			}
			acc.Files = append(acc.Files, AcceptedFile{PointID: id, FileName: tp.FileName})
		}
	}
	return acc
}

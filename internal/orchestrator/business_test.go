package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "100000000000000001"

func testWork() (WorkOrder, SubWork) {
	return WorkOrder{WorkID: "W-1", WorkName: "110kV 巡检", Status: WorkRunning},
		SubWork{SubWorkID: "S-1", DetectMethod: MethodInfrared, DetectMethodCn: "红外"}
}

func TestSplitPointCode(t *testing.T) {
	pc := SplitPointCode(testBase + "2" + "2" + "13")
	assert.Equal(t, testBase, pc.Base)
	assert.Equal(t, ModeT95, pc.Mode)
	assert.Equal(t, DetailAddition, pc.DetailType)
	assert.Equal(t, 13, pc.DetailIndex)

	short := SplitPointCode("12345")
	assert.Equal(t, "12345", short.Base)
	assert.Equal(t, DetectMode(0), short.Mode)
	assert.Equal(t, 0, short.DetailIndex)

	bad := SplitPointCode(testBase + "x1y")
	assert.Equal(t, DetectMode(0), bad.Mode)
	assert.Equal(t, 1, bad.DetailType)
	assert.Equal(t, 0, bad.DetailIndex)
}

func TestMethodTypeCodes(t *testing.T) {
	assert.Equal(t, 0x01, MethodInfrared.MainTaskTypeCode())
	assert.Equal(t, 0x11, MethodGas.MainTaskTypeCode())
	assert.Equal(t, MethodUHF, MethodFromTypeCode(0x06))
	// 0x04 对应多个方法，取编号最大者
	assert.Equal(t, MethodNonContactAE, MethodFromTypeCode(0x04))
	assert.Equal(t, DefaultDetectMethod, MethodFromTypeCode(0x7F))
}

func TestPointFileTypeKeys(t *testing.T) {
	ft := NewPointFileType(MethodInfrared, "1", ModeTask)
	assert.Equal(t, PointFileType("6-1-1"), ft)
	key, ok := ft.FileKey()
	require.True(t, ok)
	assert.Equal(t, "camFileName", key)

	key, ok = NewPointFileType(MethodUHF, "*", ModeDMS).FileKey()
	require.True(t, ok)
	assert.Equal(t, "dmsFileName", key)

	_, ok = NewPointFileType(MethodGas, "1", ModeT95).FileKey()
	assert.False(t, ok)
}

func TestBuildTaskDescriptionByDeviceType(t *testing.T) {
	work, sub := testWork()
	points := []Point{
		{WorkDetailID: "p1", DeviceTypeName: "主变", DeviceName: "1#主变", DetectPositionName: "本体"},
		{WorkDetailID: "p2", DeviceTypeName: "GIS", DeviceName: "GIS间隔", DetectPositionName: "气室"},
		{WorkDetailID: "p3", DeviceTypeName: "电容器", DeviceName: "电容器组", DetectPositionName: "外壳"},
	}

	d := BuildTaskDescription(work, sub, points, ModeTask)
	assert.Equal(t, "1.0", d.Version)
	assert.Equal(t, "W-1", d.MainTask.ID)
	assert.Equal(t, "1", d.MainTask.Type)
	assert.Equal(t, "红外", d.MainTask.SubTask.Name)

	cl := d.MainTask.SubTask.Clearances
	require.Len(t, cl, 4)
	names := []string{cl[0].Name, cl[1].Name, cl[2].Name, cl[3].Name}
	assert.Equal(t, []string{"GIS", "开关柜", "主变", "其他"}, names)
	assert.Equal(t, "4", cl[3].ID)
	assert.Equal(t, "4", cl[3].SN)

	require.Len(t, cl[0].TestPoints, 1)
	assert.Equal(t, "1", cl[0].TestPoints[0].SN)
	assert.Empty(t, cl[1].TestPoints)
	require.Len(t, cl[2].TestPoints, 1)
	assert.Equal(t, "0", cl[2].TestPoints[0].SN)
	assert.Equal(t, "本体", cl[2].TestPoints[0].Part)
	require.Len(t, cl[3].TestPoints, 1)
	assert.Equal(t, "p3", cl[3].TestPoints[0].ID)
	assert.Equal(t, "2", cl[3].TestPoints[0].SN)
}

func TestBuildTaskDescriptionByGroup(t *testing.T) {
	work, sub := testWork()
	sub.DetectMethod = MethodUHF
	points := []Point{
		{WorkDetailID: testBase + "221", GroupID: "g2", DeviceName: "开关柜A", DetectPositionName: "前柜", GroupOrder: 2, OrderNumber: 1},
		{WorkDetailID: testBase + "223", GroupID: "g2", DeviceName: "开关柜A", DetectPositionName: "前柜", GroupOrder: 2, OrderNumber: 2},
		{WorkDetailID: testBase + "211", GroupID: "g1", DeviceName: "开关柜B", DetectPositionName: "后柜", GroupOrder: 1, OrderNumber: 3},
	}

	d := BuildTaskDescription(work, sub, points, ModeT95)
	assert.Equal(t, "6", d.MainTask.Type)

	cl := d.MainTask.SubTask.Clearances
	require.Len(t, cl, 2)
	assert.Equal(t, "g2", cl[0].ID)
	assert.Equal(t, "开关柜A前柜", cl[0].Name)
	assert.Equal(t, "2", cl[0].SN)
	require.Len(t, cl[0].TestPoints, 2)
	assert.Equal(t, "开关柜A", cl[0].TestPoints[0].Name)
	assert.Equal(t, "第2(次)增测开关柜A", cl[0].TestPoints[1].Name)
	assert.Equal(t, "2", cl[0].TestPoints[1].SN)
	assert.Equal(t, "g1", cl[1].ID)
}

func TestBuildTaskDescriptionDMS(t *testing.T) {
	work, sub := testWork()
	points := []Point{
		{WorkDetailID: "p1", DeviceName: "A", DetectPositionName: "a", DeviceType: "12", DeviceTypeName: "开关柜", Status: 1},
		{WorkDetailID: "p2", DeviceName: "B", DetectPositionName: "b", DeviceType: "13", DeviceTypeName: "主变"},
	}

	cl := BuildTaskDescription(work, sub, points, ModeDMS).MainTask.SubTask.Clearances
	require.Len(t, cl, 1)
	assert.Equal(t, Clearance{ID: "1", Name: "temp", SN: "1", TestPoints: cl[0].TestPoints}, cl[0])
	require.Len(t, cl[0].TestPoints, 2)
	assert.Equal(t, TestPoint{
		ID: "p1", Name: "A", Part: "a", SN: "1",
		DeviceTypeID: "12", DeviceTypeName: "开关柜", Status: "1",
	}, cl[0].TestPoints[0])
	assert.Equal(t, "0", cl[0].TestPoints[1].Status)
}

func TestBuildTaskDescriptionCooperativeHasNoClearance(t *testing.T) {
	work, sub := testWork()
	d := BuildTaskDescription(work, sub, []Point{{WorkDetailID: "p1"}}, ModeCooperative)
	assert.Empty(t, d.MainTask.SubTask.Clearances)
}

func TestTaskDescriptionMarshalAndParse(t *testing.T) {
	work, sub := testWork()
	points := []Point{{WorkDetailID: "p1", DeviceTypeName: "GIS", DeviceName: "GIS间隔", DetectPositionName: "气室"}}

	text, err := BuildTaskDescription(work, sub, points, ModeTask).Marshal()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "<IDescription>"))
	assert.NotContains(t, text, "<?xml")
	assert.Contains(t, text, `<main_task id="W-1" name="110kV 巡检" type="1">`)
	assert.Contains(t, text, `<test_point id="p1" name="GIS间隔" part="气室" sn="0"></test_point>`)

	d, err := ParseTaskDescription(text)
	require.NoError(t, err)
	assert.Equal(t, "S-1", d.MainTask.SubTask.ID)
	require.Len(t, d.MainTask.SubTask.Clearances, 4)
	assert.Equal(t, "p1", d.MainTask.SubTask.Clearances[0].TestPoints[0].ID)

	_, err = ParseTaskDescription("<IDescription><main_task>")
	assert.Error(t, err)
}

func TestAcceptExpandsInfraredDat(t *testing.T) {
	text := `<IDescription>
  <version>1.0</version>
  <main_task id="W-9" name="n" type="1">
    <file_count>2</file_count>
    <file_type> 1 </file_type>
    <sub_task id="S-9" name="红外">
      <clearance id="1" name="GIS" sn="1">
        <test_point id="` + testBase + `111" filename="a.dat"/>
        <test_point id="` + testBase + `112" filename="b.jpg"/>
      </clearance>
    </sub_task>
  </main_task>
</IDescription>`

	d, err := ParseTaskDescription(text)
	require.NoError(t, err)
	assert.Equal(t, "1", d.MainTask.FileType)

	n := 0
	acc := d.Accept(func() string { n++; return strings.Repeat("g", n) })
	assert.Equal(t, "W-9", acc.WorkID)
	assert.Equal(t, "S-9", acc.SubWorkID)
	assert.Equal(t, MethodInfrared, acc.DetectMethod)
	assert.Equal(t, []AcceptedFile{
		{PointID: testBase, FileName: "a.vi.jpg"},
		{PointID: testBase, FileName: "a.ir.jpg"},
		{PointID: testBase, FileName: "b.jpg"},
	}, acc.Files)
	assert.Len(t, acc.FileGroups, 1)
}

func TestAcceptKeepsNonInfraredNames(t *testing.T) {
	d := &TaskDescription{MainTask: MainTask{
		ID:   "W",
		Type: "0x06",
		SubTask: SubTask{ID: "S", Clearances: []Clearance{{
			TestPoints: []TestPoint{{ID: testBase + "211", FileName: "x.dat"}},
		}}},
	}}
	acc := d.Accept(func() string { return "g" })
	assert.Equal(t, MethodUHF, acc.DetectMethod)
	assert.Equal(t, []AcceptedFile{{PointID: testBase, FileName: "x.dat"}}, acc.Files)

	d.MainTask.Type = "bogus"
	assert.Equal(t, DefaultDetectMethod, d.Accept(func() string { return "g" }).DetectMethod)
}

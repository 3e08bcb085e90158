package bus

import "fmt"

// 总线主题约定
// 遥测与发布类主题按 {前缀}.{租户}.{点位} 分层，通配订阅用 >
const (
	SubjectDataPrefix   = "iot.data"   // 遥测更新
	SubjectVPPrefix     = "iot.vp"     // 虚拟点位发布
	SubjectAlarmPrefix  = "iot.alarms" // 告警事件
	SubjectConfigPrefix = "iot.config" // 配置变更通知
	SubjectEventPrefix  = "iot.events" // 外部事件

	SubjectDataAll   = SubjectDataPrefix + ".>"
	SubjectVPAll     = SubjectVPPrefix + ".>"
	SubjectAlarmAll  = SubjectAlarmPrefix + ".>"
	SubjectConfigAll = SubjectConfigPrefix + ".>"
	SubjectEventAll  = SubjectEventPrefix + ".>"
)

// DataSubject 遥测更新主题
func DataSubject(tenantID, pointID int) string {
	return fmt.Sprintf("%s.%d.%d", SubjectDataPrefix, tenantID, pointID)
}

// VPSubject 虚拟点位发布主题
func VPSubject(tenantID, vpID int) string {
	return fmt.Sprintf("%s.%d.%d", SubjectVPPrefix, tenantID, vpID)
}

// AlarmSubject 告警事件主题
func AlarmSubject(tenantID, ruleID int) string {
	return fmt.Sprintf("%s.%d.%d", SubjectAlarmPrefix, tenantID, ruleID)
}

// ConfigSubject 配置变更主题，kind 取 virtual_points 或 alarm_rules
func ConfigSubject(kind string) string {
	return fmt.Sprintf("%s.%s", SubjectConfigPrefix, kind)
}

// EventSubject 外部事件主题
func EventSubject(tenantID int, event string) string {
	return fmt.Sprintf("%s.%d.%s", SubjectEventPrefix, tenantID, event)
}

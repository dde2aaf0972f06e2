// Package types 定义PBX呼叫控制相关的基本类型
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AppType 应用类型
type AppType int

// 定义应用类型常量
const (
	AppTypeCustomIvr AppType = iota
	AppTypeCampaign
	AppTypeDialer
)

// String 返回应用类型名称
func (t AppType) String() string {
	switch t {
	case AppTypeCustomIvr:
		return "ivr"
	case AppTypeCampaign:
		return "campaign"
	case AppTypeDialer:
		return "dialer"
	default:
		return "unknown"
	}
}

// ParseAppType 解析appId查询参数
func ParseAppType(s string) (AppType, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("无效的应用类型: %q", s)
	}
	t := AppType(n)
	if t < AppTypeCustomIvr || t > AppTypeDialer {
		return 0, fmt.Errorf("无效的应用类型: %d", n)
	}
	return t, nil
}

// ParseAppTypeName 解析webhook路径中的应用名称
func ParseAppTypeName(name string) (AppType, error) {
	switch strings.ToLower(name) {
	case "ivr":
		return AppTypeCustomIvr, nil
	case "campaign":
		return AppTypeCampaign, nil
	case "dialer":
		return AppTypeDialer, nil
	}
	return 0, fmt.Errorf("无效的应用名称: %q", name)
}

// DN类型
const (
	DNTypeRoutePoint = "Wroutepoint"
	DNTypeIVR        = "Wivr"
	DNTypeQueue      = "Wqueue"
	DNTypeExtension  = "Wextension"
)

// 参与者状态
const (
	ParticipantStatusConnected = "Connected"
	ParticipantStatusDialing   = "Dialing"
)

// 参与者控制动作
const (
	ActionDrop       = "drop"
	ActionAnswer     = "answer"
	ActionDivert     = "divert"
	ActionRouteTo    = "routeto"
	ActionTransferTo = "transferto"
	ActionAttachData = "attach_participant_data"
)

// IsValidAction 判断是否为支持的控制动作
func IsValidAction(action string) bool {
	switch action {
	case ActionDrop, ActionAnswer, ActionDivert, ActionRouteTo, ActionTransferTo, ActionAttachData:
		return true
	}
	return false
}

// UnregisteredDeviceID 未注册设备的虚拟桶
const UnregisteredDeviceID = "not_registered_dev"

// ConnectConfig 连接PBX所需的凭据
type ConnectConfig struct {
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
	PbxBase   string `json:"pbxBase"`
}

// Device DN下的设备
type Device struct {
	DN        string `json:"dn,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Participant DN上的一个通话腿
type Participant struct {
	ID              int    `json:"id"`
	Status          string `json:"status,omitempty"`
	PartyCallerName string `json:"party_caller_name,omitempty"`
	PartyDN         string `json:"party_dn,omitempty"`
	PartyCallerID   string `json:"party_caller_id,omitempty"`
	DeviceID        string `json:"device_id,omitempty"`
	PartyDNType     string `json:"party_dn_type,omitempty"`
	DirectControl   bool   `json:"direct_control,omitempty"`
	CallID          int    `json:"callid,omitempty"`
	LegID           int    `json:"legid,omitempty"`
	DN              string `json:"dn,omitempty"`
}

// DNInfo GET /callcontrol 返回的DN快照
type DNInfo struct {
	DN           string        `json:"dn"`
	Type         string        `json:"type"`
	Devices      []Device      `json:"devices"`
	Participants []Participant `json:"participants"`
}

// CallRequestStatus 呼叫请求最终状态
type CallRequestStatus int

// 定义呼叫请求状态常量
const (
	CallRequestFailed   CallRequestStatus = -1
	CallRequestRejected CallRequestStatus = 0
	CallRequestSuccess  CallRequestStatus = 1
)

// CallControlResult makecall 的返回结果
type CallControlResult struct {
	FinalStatus CallRequestStatus `json:"finalstatus"`
	Reason      string            `json:"reason,omitempty"`
	ReasonText  string            `json:"reasontext,omitempty"`
	Result      *Participant      `json:"result,omitempty"`
}

// EventType 推送事件类型
type EventType int

// 定义推送事件类型常量
const (
	EventUpset EventType = iota
	EventRemove
	EventDTMFString
	EventPromptPlaybackFinished
)

// String 返回事件类型名称
func (e EventType) String() string {
	switch e {
	case EventUpset:
		return "Upset"
	case EventRemove:
		return "Remove"
	case EventDTMFString:
		return "DTMFstring"
	case EventPromptPlaybackFinished:
		return "PromptPlaybackFinished"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// AttachedData 事件附带数据
type AttachedData struct {
	RequestID  string          `json:"RequestID,omitempty"`
	Path       string          `json:"Path,omitempty"`
	StatusCode int             `json:"StatusCode,omitempty"`
	Response   json.RawMessage `json:"Response,omitempty"`
	DTMFInput  string          `json:"dtmf_input,omitempty"`
}

// Event 推送事件
type Event struct {
	EventType    EventType     `json:"event_type"`
	Entity       string        `json:"entity"`
	AttachedData *AttachedData `json:"attached_data,omitempty"`
}

// PushMessage WebSocket/webhook 推送消息
type PushMessage struct {
	Sequence int64 `json:"sequence"`
	Event    Event `json:"event"`
}

// CurrentCall 拨号器界面展示的当前通话
type CurrentCall struct {
	ParticipantID  int    `json:"participantId"`
	CallID         int    `json:"callid"`
	LegID          int    `json:"legid"`
	Party          string `json:"party"`
	Status         string `json:"status"`
	Name           string `json:"name"`
	DirectControll bool   `json:"directControll"`
}

// NewCurrentCall 从参与者构建当前通话
func NewCurrentCall(p Participant) CurrentCall {
	return CurrentCall{
		ParticipantID:  p.ID,
		CallID:         p.CallID,
		LegID:          p.LegID,
		Party:          p.PartyCallerID,
		Status:         p.Status,
		Name:           p.PartyCallerName,
		DirectControll: p.DirectControl,
	}
}

// FailedCall 外呼失败记录
type FailedCall struct {
	Number string `json:"callerId"`
	Reason string `json:"reason"`
}

// AppStatus 应用状态
type AppStatus struct {
	SourceDN            string        `json:"sorceDn"`
	Connected           bool          `json:"connected"`
	WSConnected         bool          `json:"wsConnected"`
	Keymap              []string      `json:"keymap,omitempty"`
	CallQueue           []string      `json:"callQueue,omitempty"`
	CurrentParticipants []Participant `json:"currentParticipants,omitempty"`
	WavSource           string        `json:"wavSource,omitempty"`
	AIModeOn            bool          `json:"aiModeOn,omitempty"`
	AIStreamMode        string        `json:"aiStreamMode,omitempty"`
	FailedCalls         []FailedCall  `json:"failedCalls,omitempty"`
	Devices             []Device      `json:"devices,omitempty"`
	ActiveDeviceID      string        `json:"activeDeviceId,omitempty"`
	CurrentCalls        []CurrentCall `json:"currentCalls,omitempty"`
}

// ControlParticipantRequest 参与者控制请求
type ControlParticipantRequest struct {
	ParticipantID int    `json:"participantId"`
	Action        string `json:"action"`
	Destination   string `json:"destination,omitempty"`
}

// DialingSetup 外呼请求
type DialingSetup struct {
	Sources string `json:"sources"`
}

// AI 流模式
const (
	AIStreamModeDuplex   = "duplex"
	AIStreamModeGreeting = "greeting"
)

// IVRSetup IVR配置
type IVRSetup struct {
	KeyCommands  []string // 按键序号对应的转接号码
	WavSource    string   // 上传的提示音文件名
	Prompt       []byte   // 提示音WAV内容，为空时沿用已保存的提示音
	AIModeOn     bool
	AIStreamMode string
}

// Package callcontrol 维护PBX呼叫控制拓扑的本地镜像
package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"pbx_callcontrol/internal/types"
)

// ErrUnknownDN 实体所属的DN不在镜像中
var ErrUnknownDN = errors.New("DN不在呼叫控制镜像中")

// Recognizer AI模式下的语音识别句柄
type Recognizer interface {
	Pause()
	Resume()
	Close() error
}

// Local 参与者的会话本地状态，PBX更新不会覆盖
type Local struct {
	StreamCancel context.CancelFunc // 整个音频会话
	FlushCancel  context.CancelFunc // 当前正在播放的音频片段
	Writer       io.Writer          // 出站音频写入端
	Recognizer   Recognizer
	DTMFInFlight bool
}

// ParticipantEntry 镜像中的参与者
type ParticipantEntry struct {
	types.Participant
	Local Local
}

// DnInfo 镜像中的DN
type DnInfo struct {
	DN           string
	Type         string
	Devices      map[string]types.Device
	Participants map[int]*ParticipantEntry

	deviceOrder []string
}

func newDnInfo(info types.DNInfo, previous *DnInfo) *DnInfo {
	d := &DnInfo{
		DN:           info.DN,
		Type:         info.Type,
		Devices:      make(map[string]types.Device),
		Participants: make(map[int]*ParticipantEntry),
	}
	for _, dev := range info.Devices {
		d.putDevice(dev.DeviceID, dev)
	}
	for _, p := range info.Participants {
		entry := &ParticipantEntry{Participant: p}
		if previous != nil {
			if old, ok := previous.Participants[p.ID]; ok {
				entry.Local = old.Local
			}
		}
		d.Participants[p.ID] = entry
	}
	return d
}

func (d *DnInfo) putDevice(id string, dev types.Device) {
	if _, ok := d.Devices[id]; !ok {
		d.deviceOrder = append(d.deviceOrder, id)
	}
	d.Devices[id] = dev
}

func (d *DnInfo) removeDevice(id string) (types.Device, bool) {
	dev, ok := d.Devices[id]
	if !ok {
		return dev, false
	}
	delete(d.Devices, id)
	for i, v := range d.deviceOrder {
		if v == id {
			d.deviceOrder = append(d.deviceOrder[:i], d.deviceOrder[i+1:]...)
			break
		}
	}
	return dev, true
}

func (d *DnInfo) snapshot() types.DNInfo {
	info := types.DNInfo{
		DN:           d.DN,
		Type:         d.Type,
		Devices:      make([]types.Device, 0, len(d.deviceOrder)),
		Participants: make([]types.Participant, 0, len(d.Participants)),
	}
	for _, id := range d.deviceOrder {
		info.Devices = append(info.Devices, d.Devices[id])
	}
	for _, p := range d.Participants {
		info.Participants = append(info.Participants, p.Participant)
	}
	sort.Slice(info.Participants, func(i, j int) bool {
		return info.Participants[i].ID < info.Participants[j].ID
	})
	return info
}

// Mirror 呼叫控制镜像，读取方拿到的都是副本
type Mirror struct {
	mu    sync.RWMutex
	dns   map[string]*DnInfo
	order []string
}

// NewMirror 创建空镜像
func NewMirror() *Mirror {
	return &Mirror{dns: make(map[string]*DnInfo)}
}

// Load 用完整快照替换镜像内容
func (m *Mirror) Load(info []types.DNInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dns := make(map[string]*DnInfo, len(info))
	order := make([]string, 0, len(info))
	for _, dn := range info {
		if _, dup := dns[dn.DN]; !dup {
			order = append(order, dn.DN)
		}
		dns[dn.DN] = newDnInfo(dn, m.dns[dn.DN])
	}
	m.dns = dns
	m.order = order
}

// Clear 清空镜像
func (m *Mirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dns = make(map[string]*DnInfo)
	m.order = nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ApplyPatch 按实体路径更新镜像，raw 为空或 null 时删除并返回被删除的值
func (m *Mirror) ApplyPatch(entity string, raw json.RawMessage) (interface{}, error) {
	path, err := ParsePath(entity)
	if err != nil {
		return nil, err
	}
	remove := isNull(raw)

	m.mu.Lock()
	defer m.mu.Unlock()

	if path.Kind == KindDN {
		return m.patchDN(path, raw, remove)
	}

	dn, ok := m.dns[path.DN]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDN, path.DN)
	}

	switch path.Kind {
	case KindParticipant:
		id, err := path.ParticipantID()
		if err != nil {
			return nil, err
		}
		if remove {
			old, ok := dn.Participants[id]
			if !ok {
				return nil, nil
			}
			delete(dn.Participants, id)
			return old.Participant, nil
		}
		entry, ok := dn.Participants[id]
		if !ok {
			entry = &ParticipantEntry{}
		}
		updated := entry.Participant
		if err := json.Unmarshal(raw, &updated); err != nil {
			return nil, fmt.Errorf("解析参与者失败: %v", err)
		}
		if updated.ID == 0 {
			updated.ID = id
		}
		entry.Participant = updated
		dn.Participants[id] = entry
		return entry.Participant, nil

	case KindDevice:
		if remove {
			old, ok := dn.removeDevice(path.ID)
			if !ok {
				return nil, nil
			}
			return old, nil
		}
		dev := dn.Devices[path.ID]
		if err := json.Unmarshal(raw, &dev); err != nil {
			return nil, fmt.Errorf("解析设备失败: %v", err)
		}
		if dev.DeviceID == "" {
			dev.DeviceID = path.ID
		}
		dn.putDevice(path.ID, dev)
		return dev, nil
	}
	return nil, nil
}

func (m *Mirror) patchDN(path Path, raw json.RawMessage, remove bool) (interface{}, error) {
	old, exists := m.dns[path.DN]
	if remove {
		if !exists {
			return nil, nil
		}
		delete(m.dns, path.DN)
		for i, v := range m.order {
			if v == path.DN {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return old.snapshot(), nil
	}

	var patch struct {
		Type         *string              `json:"type"`
		Devices      *[]types.Device      `json:"devices"`
		Participants *[]types.Participant `json:"participants"`
	}
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("解析DN失败: %v", err)
	}

	// 未出现的字段保留原值
	info := types.DNInfo{DN: path.DN}
	if exists {
		info = old.snapshot()
	}
	if patch.Type != nil {
		info.Type = *patch.Type
	}
	if patch.Devices != nil {
		info.Devices = *patch.Devices
	}
	if patch.Participants != nil {
		info.Participants = *patch.Participants
	}
	m.dns[path.DN] = newDnInfo(info, old)
	if !exists {
		m.order = append(m.order, path.DN)
	}
	return m.dns[path.DN].snapshot(), nil
}

// Read 按实体路径读取副本
func (m *Mirror) Read(entity string) (interface{}, bool) {
	path, err := ParsePath(entity)
	if err != nil {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	dn, ok := m.dns[path.DN]
	if !ok {
		return nil, false
	}
	switch path.Kind {
	case KindDN:
		return dn.snapshot(), true
	case KindParticipant:
		id, err := strconv.Atoi(path.ID)
		if err != nil {
			return nil, false
		}
		entry, ok := dn.Participants[id]
		if !ok {
			return nil, false
		}
		return entry.Participant, true
	case KindDevice:
		dev, ok := dn.Devices[path.ID]
		return dev, ok
	}
	return nil, false
}

// DN 返回DN快照
func (m *Mirror) DN(dn string) (types.DNInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dns[dn]
	if !ok {
		return types.DNInfo{}, false
	}
	return d.snapshot(), true
}

// Snapshot 返回全部DN的副本，按PBX上报顺序
func (m *Mirror) Snapshot() []types.DNInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.DNInfo, 0, len(m.order))
	for _, dn := range m.order {
		out = append(out, m.dns[dn].snapshot())
	}
	return out
}

// FindByType 返回指定类型的DN，按PBX上报顺序
func (m *Mirror) FindByType(dnTypes ...string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, dn := range m.order {
		for _, t := range dnTypes {
			if m.dns[dn].Type == t {
				out = append(out, dn)
				break
			}
		}
	}
	return out
}

// Participant 返回参与者及其本地状态的副本
func (m *Mirror) Participant(dn string, id int) (types.Participant, Local, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dns[dn]
	if !ok {
		return types.Participant{}, Local{}, false
	}
	entry, ok := d.Participants[id]
	if !ok {
		return types.Participant{}, Local{}, false
	}
	return entry.Participant, entry.Local, true
}

// Participants 返回DN下的参与者副本，按ID排序
func (m *Mirror) Participants(dn string) []types.Participant {
	d, ok := m.DN(dn)
	if !ok {
		return nil
	}
	return d.Participants
}

// ParticipantCount 返回DN下的参与者数量
func (m *Mirror) ParticipantCount(dn string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.dns[dn]; ok {
		return len(d.Participants)
	}
	return 0
}

// UpsertParticipant 用REST响应中的参与者更新镜像，保留本地状态
func (m *Mirror) UpsertParticipant(dn string, p types.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dns[dn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDN, dn)
	}
	if entry, ok := d.Participants[p.ID]; ok {
		entry.Participant = p
		return nil
	}
	d.Participants[p.ID] = &ParticipantEntry{Participant: p}
	return nil
}

// UpdateLocal 在镜像锁内修改参与者本地状态，参与者不存在时返回 false
func (m *Mirror) UpdateLocal(dn string, id int, fn func(p types.Participant, local *Local) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dns[dn]
	if !ok {
		return false
	}
	entry, ok := d.Participants[id]
	if !ok {
		return false
	}
	return fn(entry.Participant, &entry.Local)
}

// Devices 返回DN下的设备，按PBX上报顺序
func (m *Mirror) Devices(dn string) []types.Device {
	d, ok := m.DN(dn)
	if !ok {
		return nil
	}
	return d.Devices
}

// FirstDevice 返回DN的第一个设备
func (m *Mirror) FirstDevice(dn string) (types.Device, bool) {
	devices := m.Devices(dn)
	if len(devices) == 0 {
		return types.Device{}, false
	}
	return devices[0], true
}

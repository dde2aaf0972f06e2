package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/callcontrol"
	"pbx_callcontrol/internal/types"
)

// Publisher 通话快照的推送目标
type Publisher interface {
	Publish(v interface{})
}

// CallsUpdate 推送给拨号器界面的当前通话
type CallsUpdate struct {
	CurrentCalls []types.CurrentCall `json:"currentCalls"`
}

// DialerSession 软电话拨号器：按设备分别维护当前通话
type DialerSession struct {
	session
	publisher Publisher

	devMu   sync.RWMutex
	devices []types.Device
	calls   map[string]map[int]types.CurrentCall
	active  string

	wg sync.WaitGroup
}

// NewDialerSession 创建拨号器会话
func NewDialerSession(client PBX, publisher Publisher) *DialerSession {
	return &DialerSession{
		session:   newSession(types.AppTypeDialer, client),
		publisher: publisher,
		calls:     make(map[string]map[int]types.CurrentCall),
	}
}

// Connect 连接PBX，应用只能绑定一个分机
func (s *DialerSession) Connect(ctx context.Context, cfg types.ConnectConfig) error {
	err := s.connect(ctx, cfg, func(topology []types.DNInfo) (string, error) {
		if len(topology) > 1 {
			return "", apperr.BadRequest("More than 1 DN found, please make sure you didn't specify DN_LIST property for application")
		}
		if len(topology) == 0 || topology[0].Type != types.DNTypeExtension || topology[0].DN == "" {
			return "", apperr.BadRequest("Application bound to the wrong dn, dn is not found or application hook is invalid, type should be Extension")
		}
		return topology[0].DN, nil
	}, s.HandlePush, func() {
		log.Printf("[WARN] 拨号器推送通道重连次数耗尽，断开应用")
		s.Disconnect()
	})
	if err != nil {
		return err
	}

	dn, _ := s.source()
	s.devMu.Lock()
	s.resetDevicesLocked()
	for _, dev := range s.mirror.Devices(dn) {
		s.addDeviceLocked(dev)
	}
	s.addDeviceLocked(types.Device{DN: dn, DeviceID: types.UnregisteredDeviceID, UserAgent: "Unregistered Devices"})
	s.active = s.devices[0].DeviceID
	for _, p := range s.mirror.Participants(dn) {
		s.putCallLocked(p)
	}
	s.devMu.Unlock()

	s.publish()
	return nil
}

// Disconnect 断开并清空设备
func (s *DialerSession) Disconnect() {
	s.disconnect()
	s.devMu.Lock()
	s.resetDevicesLocked()
	s.devMu.Unlock()
	s.publish()
}

func (s *DialerSession) resetDevicesLocked() {
	s.devices = nil
	s.calls = make(map[string]map[int]types.CurrentCall)
	s.active = ""
}

func (s *DialerSession) addDeviceLocked(dev types.Device) {
	if dev.DeviceID == "" {
		return
	}
	if _, ok := s.calls[dev.DeviceID]; ok {
		return
	}
	s.calls[dev.DeviceID] = make(map[int]types.CurrentCall)
	// 未注册桶始终排在最后
	n := len(s.devices)
	if n > 0 && s.devices[n-1].DeviceID == types.UnregisteredDeviceID {
		last := s.devices[n-1]
		s.devices = append(s.devices[:n-1], dev, last)
		return
	}
	s.devices = append(s.devices, dev)
}

// putCallLocked 把参与者放入所属设备的桶，未知设备进入未注册桶
func (s *DialerSession) putCallLocked(p types.Participant) {
	s.removeCallLocked(p.ID)
	bucket, ok := s.calls[p.DeviceID]
	if !ok || p.DeviceID == "" {
		bucket, ok = s.calls[types.UnregisteredDeviceID]
		if !ok {
			return
		}
	}
	bucket[p.ID] = types.NewCurrentCall(p)
}

func (s *DialerSession) removeCallLocked(id int) {
	for _, bucket := range s.calls {
		delete(bucket, id)
	}
}

// Status 只返回当前设备的通话
func (s *DialerSession) Status() types.AppStatus {
	status := s.baseStatus()
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	status.Devices = append([]types.Device(nil), s.devices...)
	status.ActiveDeviceID = s.active
	status.CurrentCalls = s.activeCallsLocked()
	return status
}

func (s *DialerSession) activeCallsLocked() []types.CurrentCall {
	calls := make([]types.CurrentCall, 0, len(s.calls[s.active]))
	for _, c := range s.calls[s.active] {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ParticipantID < calls[j].ParticipantID })
	return calls
}

func (s *DialerSession) publish() {
	if s.publisher == nil {
		return
	}
	s.devMu.RLock()
	update := CallsUpdate{CurrentCalls: s.activeCallsLocked()}
	s.devMu.RUnlock()
	s.publisher.Publish(update)
}

// SetActiveDevice 切换当前设备
func (s *DialerSession) SetActiveDevice(id string) (string, error) {
	s.devMu.Lock()
	if _, ok := s.calls[id]; !ok || id == "" {
		s.devMu.Unlock()
		return "", apperr.BadRequest("Unknown device")
	}
	s.active = id
	s.devMu.Unlock()

	log.Printf("[INFO] 拨号器切换到设备 %s", id)
	s.publish()
	return id, nil
}

// ControlParticipant 控制分机上的参与者
func (s *DialerSession) ControlParticipant(ctx context.Context, req types.ControlParticipantRequest) error {
	return s.controlParticipant(ctx, req)
}

// StartDialing 从当前设备呼叫目标号码，结果只记录日志
func (s *DialerSession) StartDialing(ctx context.Context, setup types.DialingSetup) error {
	dn, ok := s.source()
	s.devMu.RLock()
	device := s.active
	s.devMu.RUnlock()
	if !ok || device == "" {
		return apperr.InternalServerError("Source Dn is not defined or application is not connected or device no device selected")
	}
	if setup.Sources == "" {
		return apperr.BadRequest("Destination is missing")
	}

	callCtx := s.lifetime()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dial(callCtx, dn, device, setup.Sources); err != nil {
			log.Printf("[ERROR] 拨号器呼叫 %s 失败: %v", setup.Sources, err)
		}
	}()
	return nil
}

func (s *DialerSession) dial(ctx context.Context, dn, device, destination string) error {
	var (
		result *types.CallControlResult
		err    error
	)
	if device == types.UnregisteredDeviceID {
		result, err = s.pbx.MakeCall(ctx, dn, destination)
	} else {
		result, err = s.pbx.MakeCallFromDevice(ctx, dn, device, destination)
	}
	if err != nil {
		return err
	}
	if result != nil && result.FinalStatus != types.CallRequestSuccess && result.ReasonText != "" {
		return fmt.Errorf("PBX拒绝呼叫: %s", result.ReasonText)
	}
	log.Printf("[INFO] 拨号器从设备 %s 呼叫 %s", device, destination)
	return nil
}

// HandlePush 按参与者ID更新设备桶并推送快照
func (s *DialerSession) HandlePush(message []byte) {
	msg, path, ok := s.parsePush(message)
	if !ok {
		return
	}
	src, _ := s.source()
	ctx := s.lifetime()

	switch msg.Event.EventType {
	case types.EventUpset:
		if err := s.applyUpset(ctx, msg.Event.Entity); err != nil {
			log.Printf("[ERROR] 拨号器处理更新事件 %s 失败: %v", msg.Event.Entity, err)
			return
		}
		if path.DN != src {
			return
		}
		switch path.Kind {
		case callcontrol.KindParticipant:
			id, err := path.ParticipantID()
			if err != nil {
				return
			}
			p, _, ok := s.mirror.Participant(src, id)
			if !ok {
				return
			}
			s.devMu.Lock()
			s.putCallLocked(p)
			s.devMu.Unlock()
		case callcontrol.KindDevice:
			dev := types.Device{DN: src, DeviceID: path.ID}
			for _, d := range s.mirror.Devices(src) {
				if d.DeviceID == path.ID {
					dev = d
				}
			}
			s.devMu.Lock()
			s.addDeviceLocked(dev)
			s.devMu.Unlock()
		default:
			return
		}
		s.publish()

	case types.EventRemove:
		s.applyRemove(msg.Event.Entity)
		if path.DN != src || path.Kind != callcontrol.KindParticipant {
			return
		}
		id, err := path.ParticipantID()
		if err != nil {
			return
		}
		// 参与者可能已从镜像删除，直接在所有桶中查找
		s.devMu.Lock()
		s.removeCallLocked(id)
		s.devMu.Unlock()
		s.publish()
	}
}

// Wait 等待后台呼叫结束
func (s *DialerSession) Wait() {
	s.wg.Wait()
}

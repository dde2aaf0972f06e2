// Package campaign 实现外呼队列的出队和准入控制
package campaign

import (
	"context"
	"log"
	"strings"
	"sync"

	"pbx_callcontrol/internal/callcontrol"
	"pbx_callcontrol/internal/clients/pbx"
	"pbx_callcontrol/internal/queue"
	"pbx_callcontrol/internal/types"
)

// 失败原因
const (
	ReasonNoSource     = "no source or disconnected"
	ReasonSourceBusy   = "source busy"
	ReasonNoDevice     = "devices not found"
	ReasonUnknownError = "unknown error"
)

// Caller 发起外呼的PBX接口
type Caller interface {
	MakeCallFromDevice(ctx context.Context, dn, deviceID, destination string) (*types.CallControlResult, error)
}

// SourceFunc 返回当前绑定的源DN，未连接时 ok 为 false
type SourceFunc func() (dn string, ok bool)

// Driver 外呼驱动
type Driver struct {
	mirror   *callcontrol.Mirror
	caller   Caller
	source   SourceFunc
	queue    *queue.Queue[string]
	failures *queue.FailureLog

	// 串行化出队，保证准入检查和外呼之间不被打断
	drainMu sync.Mutex
}

// NewDriver 创建外呼驱动
func NewDriver(mirror *callcontrol.Mirror, caller Caller, source SourceFunc, failureLimit int) *Driver {
	return &Driver{
		mirror:   mirror,
		caller:   caller,
		source:   source,
		queue:    queue.New[string](),
		failures: queue.NewFailureLog(failureLimit),
	}
}

// Enqueue 解析逗号分隔的号码入队，然后尝试出队一个
func (d *Driver) Enqueue(ctx context.Context, csv string) {
	for _, number := range strings.Split(csv, ",") {
		if number = strings.TrimSpace(number); number != "" {
			d.queue.Push(number)
		}
	}
	d.DrainOne(ctx)
}

// DrainOne 出队一个号码并在源DN空闲时外呼，失败的号码不会重新入队
func (d *Driver) DrainOne(ctx context.Context) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	number, ok := d.queue.Pop()
	if !ok {
		return
	}

	dn, ok := d.source()
	if !ok {
		d.fail(number, ReasonNoSource)
		return
	}
	if d.mirror.ParticipantCount(dn) > 0 {
		d.fail(number, ReasonSourceBusy)
		return
	}
	device, ok := d.mirror.FirstDevice(dn)
	if !ok || device.DeviceID == "" {
		d.fail(number, ReasonNoDevice)
		return
	}

	log.Printf("[INFO] 外呼 %s: dn=%s, device=%s", number, dn, device.DeviceID)
	result, err := d.caller.MakeCallFromDevice(ctx, dn, device.DeviceID, number)
	if err != nil {
		reason := pbx.ReasonText(err)
		if reason == "" {
			reason = ReasonUnknownError
		}
		log.Printf("[ERROR] 外呼 %s 失败: %v", number, err)
		d.fail(number, reason)
		return
	}
	if result == nil || result.Result == nil || result.Result.ID == 0 {
		reason := ReasonUnknownError
		if result != nil && result.ReasonText != "" {
			reason = result.ReasonText
		}
		d.fail(number, reason)
		return
	}

	// 立即写入镜像，源DN在推送事件到达前即视为忙
	p := *result.Result
	if p.DN == "" {
		p.DN = dn
	}
	if err := d.mirror.UpsertParticipant(dn, p); err != nil {
		log.Printf("[WARN] 写入外呼参与者失败: %v", err)
	}
}

func (d *Driver) fail(number, reason string) {
	log.Printf("[WARN] 外呼 %s 未发起: %s", number, reason)
	d.failures.Add(number, reason)
}

// Queue 等待外呼的号码
func (d *Driver) Queue() []string {
	return d.queue.Items()
}

// Failures 失败记录
func (d *Driver) Failures() []types.FailedCall {
	return d.failures.Items()
}

// Reset 清空队列和失败记录
func (d *Driver) Reset() {
	d.queue.Clear()
	d.failures.Clear()
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pbx_callcontrol/internal/audio"
	"pbx_callcontrol/internal/types"
)

type controlCall struct {
	id          int
	action      string
	destination string
}

type makeCall struct {
	dn, device, destination string
}

// fakePBX 内存中的PBX，记录所有调用
type fakePBX struct {
	mu          sync.Mutex
	topology    []types.DNInfo
	entities    map[string]json.RawMessage
	onEvent     func([]byte)
	onTerminate func()
	pushed      bool
	disconnects int

	controls      []controlCall
	controlErr    map[string]error
	beforeControl func(action string)

	calls  []makeCall
	nextID int

	activePosts int
	totalPosts  int
	received    map[int]int
	payload     map[int][]byte
	inbound     map[int]*io.PipeWriter
}

func newFakePBX(topology ...types.DNInfo) *fakePBX {
	return &fakePBX{
		topology:   topology,
		entities:   make(map[string]json.RawMessage),
		controlErr: make(map[string]error),
		received:   make(map[int]int),
		payload:    make(map[int][]byte),
		inbound:    make(map[int]*io.PipeWriter),
		nextID:     100,
	}
}

func (f *fakePBX) Setup(cfg types.ConnectConfig) {}

func (f *fakePBX) ConnectPush(onEvent func([]byte), onTerminate func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = onEvent
	f.onTerminate = onTerminate
	f.pushed = true
	return nil
}

// terminate 模拟推送通道重连次数耗尽
func (f *fakePBX) terminate() {
	f.mu.Lock()
	fn := f.onTerminate
	f.pushed = false
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakePBX) PushConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed
}

func (f *fakePBX) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = false
	f.disconnects++
}

func (f *fakePBX) FetchTopology(ctx context.Context) ([]types.DNInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topology, nil
}

func (f *fakePBX) FetchEntity(ctx context.Context, entity string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.entities[entity]
	if !ok {
		return nil, fmt.Errorf("实体不存在: %s", entity)
	}
	return raw, nil
}

// setEntity 设置 FetchEntity 返回的数据
func (f *fakePBX) setEntity(entity string, v interface{}) {
	data, _ := json.Marshal(v)
	f.mu.Lock()
	f.entities[entity] = data
	f.mu.Unlock()
}

func (f *fakePBX) MakeCall(ctx context.Context, dn, destination string) (*types.CallControlResult, error) {
	return f.record(dn, "", destination)
}

func (f *fakePBX) MakeCallFromDevice(ctx context.Context, dn, deviceID, destination string) (*types.CallControlResult, error) {
	return f.record(dn, deviceID, destination)
}

func (f *fakePBX) record(dn, device, destination string) (*types.CallControlResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, makeCall{dn, device, destination})
	f.nextID++
	return &types.CallControlResult{
		FinalStatus: types.CallRequestSuccess,
		Result:      &types.Participant{ID: f.nextID, Status: types.ParticipantStatusDialing, DN: dn, DeviceID: device},
	}, nil
}

func (f *fakePBX) madeCalls() []makeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]makeCall(nil), f.calls...)
}

func (f *fakePBX) ControlParticipant(ctx context.Context, dn string, participantID int, action, destination string) error {
	if f.beforeControl != nil {
		f.beforeControl(action)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, controlCall{participantID, action, destination})
	return f.controlErr[action]
}

func (f *fakePBX) controlCalls() []controlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]controlCall(nil), f.controls...)
}

// PostAudioStream 读取出站音频直到结束或取消
func (f *fakePBX) PostAudioStream(ctx context.Context, dn string, participantID int, body io.Reader) error {
	f.mu.Lock()
	f.activePosts++
	f.totalPosts++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.activePosts--
		f.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			f.mu.Lock()
			f.received[participantID] += n
			f.payload[participantID] = append(f.payload[participantID], buf[:n]...)
			f.mu.Unlock()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAudioStream 返回的入站音频在 ctx 取消或测试关闭时结束
func (f *fakePBX) GetAudioStream(ctx context.Context, dn string, participantID int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	f.mu.Lock()
	f.inbound[participantID] = pw
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (f *fakePBX) inboundWriter(id int) *io.PipeWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inbound[id]
}

func (f *fakePBX) posts() (active, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activePosts, f.totalPosts
}

func (f *fakePBX) receivedBytes(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[id]
}

// receivedAudio 返回参与者收到的全部出站音频
func (f *fakePBX) receivedAudio(id int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.payload[id]...)
}

// push 模拟PBX推送一条事件
func push(t *testing.T, s Session, eventType types.EventType, entity string, attached *types.AttachedData) {
	t.Helper()
	data, err := json.Marshal(types.PushMessage{
		Sequence: time.Now().UnixNano(),
		Event:    types.Event{EventType: eventType, Entity: entity, AttachedData: attached},
	})
	require.NoError(t, err)
	s.HandlePush(data)
}

var testCredentials = types.ConnectConfig{AppID: "app", AppSecret: "secret", PbxBase: "https://pbx.example.com"}

// testPrompt 保存一段很短的提示音，便于区分等待音
func testPrompt(t *testing.T) (*audio.PromptStore, []byte) {
	t.Helper()
	store := audio.NewPromptStore(t.TempDir())
	pcm := make([]byte, 160)
	for i := range pcm {
		pcm[i] = 1
	}
	wav := audio.EncodeWAV(pcm, audio.SampleRate, 1)
	require.NoError(t, store.Save(audio.PromptFile, wav))
	return store, wav
}

package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/types"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []CallsUpdate
}

func (p *recordingPublisher) Publish(v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, v.(CallsUpdate))
}

func (p *recordingPublisher) last() CallsUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[len(p.updates)-1]
}

func extension(participants ...types.Participant) types.DNInfo {
	return types.DNInfo{
		DN:   "200",
		Type: types.DNTypeExtension,
		Devices: []types.Device{
			{DN: "200", DeviceID: "dev1", UserAgent: "Desk Phone"},
			{DN: "200", DeviceID: "dev2", UserAgent: "Softphone"},
		},
		Participants: participants,
	}
}

func newDialer(t *testing.T, topology ...types.DNInfo) (*DialerSession, *fakePBX, *recordingPublisher) {
	t.Helper()
	fake := newFakePBX(topology...)
	pub := &recordingPublisher{}
	s := NewDialerSession(fake, pub)
	require.NoError(t, s.Connect(context.Background(), testCredentials))
	t.Cleanup(func() {
		s.Disconnect()
		s.Wait()
	})
	return s, fake, pub
}

func callIDs(calls []types.CurrentCall) []int {
	ids := make([]int, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ParticipantID)
	}
	return ids
}

func TestDialer_ConnectBuildsDeviceBuckets(t *testing.T) {
	s, _, pub := newDialer(t, extension(
		types.Participant{ID: 3, DeviceID: "dev1", Status: types.ParticipantStatusConnected, PartyCallerID: "555"},
		types.Participant{ID: 4, DeviceID: "dev2"},
		types.Participant{ID: 5},
	))

	status := s.Status()
	require.Len(t, status.Devices, 3)
	assert.Equal(t, "dev1", status.Devices[0].DeviceID)
	assert.Equal(t, "dev2", status.Devices[1].DeviceID)
	assert.Equal(t, types.UnregisteredDeviceID, status.Devices[2].DeviceID)
	assert.Equal(t, "dev1", status.ActiveDeviceID)
	assert.Equal(t, "200", status.SourceDN)

	require.Len(t, status.CurrentCalls, 1)
	assert.Equal(t, "555", status.CurrentCalls[0].Party)
	assert.Equal(t, []int{3}, callIDs(pub.last().CurrentCalls))

	_, err := s.SetActiveDevice(types.UnregisteredDeviceID)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, callIDs(s.Status().CurrentCalls))
}

func TestDialer_ConnectRejectsWrongTopology(t *testing.T) {
	tests := []struct {
		name     string
		topology []types.DNInfo
	}{
		{"多个DN", []types.DNInfo{extension(), {DN: "201", Type: types.DNTypeExtension}}},
		{"类型错误", []types.DNInfo{{DN: "800", Type: types.DNTypeRoutePoint}}},
		{"没有DN", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDialerSession(newFakePBX(tt.topology...), nil)
			err := s.Connect(context.Background(), testCredentials)
			assert.True(t, apperr.Is(err, http.StatusBadRequest), "err = %v", err)
			assert.False(t, s.Status().Connected)
		})
	}
}

func TestDialer_PushUpdatesBuckets(t *testing.T) {
	s, fake, pub := newDialer(t, extension())

	fake.setEntity("/callcontrol/200/participants/8", types.Participant{ID: 8, DeviceID: "dev2", Status: types.ParticipantStatusDialing})
	push(t, s, types.EventUpset, "/callcontrol/200/participants/8", nil)
	assert.Empty(t, s.Status().CurrentCalls)

	id, err := s.SetActiveDevice("dev2")
	require.NoError(t, err)
	assert.Equal(t, "dev2", id)
	assert.Equal(t, []int{8}, callIDs(s.Status().CurrentCalls))
	assert.Equal(t, []int{8}, callIDs(pub.last().CurrentCalls))

	// 参与者切换设备后从旧桶移除
	fake.setEntity("/callcontrol/200/participants/8", types.Participant{ID: 8, DeviceID: "dev1", Status: types.ParticipantStatusConnected})
	push(t, s, types.EventUpset, "/callcontrol/200/participants/8", nil)
	assert.Empty(t, s.Status().CurrentCalls)

	// 新注册的设备排在未注册桶之前
	fake.setEntity("/callcontrol/200/devices/dev3", types.Device{DN: "200", DeviceID: "dev3", UserAgent: "Mobile"})
	push(t, s, types.EventUpset, "/callcontrol/200/devices/dev3", nil)
	devices := s.Status().Devices
	require.Len(t, devices, 4)
	assert.Equal(t, "dev3", devices[2].DeviceID)
	assert.Equal(t, "Mobile", devices[2].UserAgent)
	assert.Equal(t, types.UnregisteredDeviceID, devices[3].DeviceID)

	_, err = s.SetActiveDevice("dev1")
	require.NoError(t, err)
	assert.Equal(t, []int{8}, callIDs(s.Status().CurrentCalls))

	push(t, s, types.EventRemove, "/callcontrol/200/participants/8", nil)
	assert.Empty(t, s.Status().CurrentCalls)
	assert.Empty(t, pub.last().CurrentCalls)
}

func TestDialer_SetActiveDeviceUnknown(t *testing.T) {
	s, _, _ := newDialer(t, extension())
	_, err := s.SetActiveDevice("nope")
	assert.True(t, apperr.Is(err, http.StatusBadRequest))
	assert.Contains(t, err.Error(), "Unknown device")
	assert.Equal(t, "dev1", s.Status().ActiveDeviceID)
}

func TestDialer_StartDialing(t *testing.T) {
	s, fake, _ := newDialer(t, extension())

	err := s.StartDialing(context.Background(), types.DialingSetup{})
	assert.True(t, apperr.Is(err, http.StatusBadRequest))

	require.NoError(t, s.StartDialing(context.Background(), types.DialingSetup{Sources: "300"}))
	require.Eventually(t, func() bool { return len(fake.madeCalls()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, makeCall{dn: "200", device: "dev1", destination: "300"}, fake.madeCalls()[0])

	// 未注册桶不指定设备
	_, err = s.SetActiveDevice(types.UnregisteredDeviceID)
	require.NoError(t, err)
	require.NoError(t, s.StartDialing(context.Background(), types.DialingSetup{Sources: "301"}))
	require.Eventually(t, func() bool { return len(fake.madeCalls()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, makeCall{dn: "200", destination: "301"}, fake.madeCalls()[1])
}

func TestDialer_DisconnectClearsDevices(t *testing.T) {
	s, _, pub := newDialer(t, extension(types.Participant{ID: 3, DeviceID: "dev1"}))
	s.Disconnect()

	status := s.Status()
	assert.False(t, status.Connected)
	assert.Empty(t, status.Devices)
	assert.Empty(t, status.ActiveDeviceID)
	assert.Empty(t, pub.last().CurrentCalls)

	err := s.StartDialing(context.Background(), types.DialingSetup{Sources: "300"})
	assert.True(t, apperr.Is(err, http.StatusInternalServerError))
}

func TestDialer_TerminateDisconnects(t *testing.T) {
	s, fake, pub := newDialer(t, extension(types.Participant{ID: 3, DeviceID: "dev1"}))
	require.True(t, s.Status().Connected)

	fake.terminate()

	status := s.Status()
	assert.False(t, status.Connected)
	assert.False(t, status.WSConnected)
	assert.Empty(t, status.Devices)
	assert.Empty(t, pub.last().CurrentCalls)
}

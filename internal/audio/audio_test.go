package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

// pacedRecorder 记录每次写入时已提供的音频时长与墙钟时间
type pacedRecorder struct {
	mu         sync.Mutex
	start      time.Time
	providedMs int64
	maxLeadMs  int64
	total      int
	writes     int
}

func newPacedRecorder() *pacedRecorder {
	return &pacedRecorder{start: time.Now()}
}

func (r *pacedRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providedMs += int64((len(p) + BytesPerMs - 1) / BytesPerMs)
	lead := r.providedMs - time.Since(r.start).Milliseconds()
	if lead > r.maxLeadMs {
		r.maxLeadMs = lead
	}
	r.total += len(p)
	r.writes++
	if len(p) > SliceSize {
		return 0, errors.New("分片过大")
	}
	return len(p), nil
}

func TestWriteSliced_PacingInvariant(t *testing.T) {
	data := make([]byte, BytesPerMs*1500) // 1.5秒音频
	rec := newPacedRecorder()

	begin := time.Now()
	require.NoError(t, WriteSliced(context.Background(), data, rec))

	assert.Equal(t, len(data), rec.total)
	// 允许少量调度误差
	assert.LessOrEqual(t, rec.maxLeadMs, int64(MaxLeadMs+20))
	assert.GreaterOrEqual(t, time.Since(begin), 900*time.Millisecond)
}

func TestWriteSliced_SmallPayloadReturnsImmediately(t *testing.T) {
	rec := newPacedRecorder()
	begin := time.Now()
	require.NoError(t, WriteSliced(context.Background(), make([]byte, 100), rec))
	assert.Equal(t, 100, rec.total)
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
}

func TestWriteSliced_Cancellation(t *testing.T) {
	data := make([]byte, BytesPerMs*5000)
	rec := newPacedRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WriteSliced(ctx, data, rec) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("取消后写入没有返回")
	}

	rec.mu.Lock()
	written := rec.writes
	rec.mu.Unlock()
	time.Sleep(300 * time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, written, rec.writes)
	assert.Less(t, rec.total, len(data))
	rec.mu.Unlock()
}

func TestLoop_RepeatsUntilCanceled(t *testing.T) {
	data := make([]byte, BytesPerMs*100)
	rec := newPacedRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	err := Loop(ctx, data, rec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Greater(t, rec.total, len(data)*5)
	assert.LessOrEqual(t, rec.maxLeadMs, int64(MaxLeadMs+20))

	assert.ErrorIs(t, Loop(context.Background(), nil, rec), ErrEmptyAudio)
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDecodeWAV(t *testing.T) {
	pcm := pcm16(100, -100, 2000, -2000)
	wav, err := DecodeWAV(EncodeWAV(pcm, 16000, 2))
	require.NoError(t, err)
	assert.Equal(t, 16000, wav.SampleRate)
	assert.Equal(t, 2, wav.Channels)
	assert.Equal(t, pcm, wav.PCM)

	// 双声道16kHz转为单声道8kHz
	tel := wav.Telephony()
	assert.Len(t, tel, 2)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(tel)))

	_, err = DecodeWAV([]byte("not a wav file"))
	assert.ErrorIs(t, err, ErrInvalidWAV)
}

func TestDecodeWAV_MuLaw(t *testing.T) {
	pcm := pcm16(0, 1000, -1000, 8000)
	ulaw := g711.EncodeUlaw(pcm)

	// 手工构造μ律WAV
	raw := EncodeWAV(ulaw, 8000, 1)
	binary.LittleEndian.PutUint16(raw[20:], FormatMuLaw)
	binary.LittleEndian.PutUint16(raw[34:], 8)

	wav, err := DecodeWAV(raw)
	require.NoError(t, err)
	require.Len(t, wav.PCM, len(pcm))
	for i := 0; i < len(pcm)/2; i++ {
		want := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		got := int16(binary.LittleEndian.Uint16(wav.PCM[i*2:]))
		assert.InDelta(t, want, got, float64(abs(want))/16+8)
	}
}

func abs(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

func TestResampleAndEnergy(t *testing.T) {
	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	out := Resample(in, 16000, 8000)
	assert.Len(t, out, 8)
	assert.Equal(t, in, Resample(in, 8000, 8000))

	assert.Equal(t, 0.0, Energy(make([]byte, 320)))
	assert.InDelta(t, 0.5, Energy(pcm16(16384, -16384, 16384, -16384)), 0.001)
}

func TestPromptStore(t *testing.T) {
	store := NewPromptStore(t.TempDir())

	_, err := store.Load(PromptFile)
	assert.Error(t, err)

	tone, err := store.Load(HoldToneFile)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, DurationOf(tone))

	assert.Error(t, store.Save(PromptFile, []byte("garbage")))

	pcm := pcm16(1, 2, 3, 4)
	require.NoError(t, store.Save(PromptFile, EncodeWAV(pcm, 8000, 1)))
	loaded, err := store.Load(PromptFile)
	require.NoError(t, err)
	assert.Equal(t, pcm, loaded)
}

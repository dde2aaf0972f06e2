package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// 默认提示音文件
const (
	PromptFile   = "output.wav"
	HoldToneFile = "USProgresstone.wav"
)

// PromptStore 管理磁盘上的WAV提示音
type PromptStore struct {
	dir string
	mu  sync.Mutex
}

// NewPromptStore 创建提示音存储
func NewPromptStore(dir string) *PromptStore {
	return &PromptStore{dir: dir}
}

// Path 返回提示音的完整路径
func (s *PromptStore) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Save 校验并保存WAV文件
func (s *PromptStore) Save(name string, data []byte) error {
	if _, err := DecodeWAV(data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("创建提示音目录失败: %v", err)
	}
	tmp := s.Path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入提示音失败: %v", err)
	}
	if err := os.Rename(tmp, s.Path(name)); err != nil {
		return fmt.Errorf("保存提示音失败: %v", err)
	}
	return nil
}

// Load 读取提示音并转换为8kHz单声道PCM
func (s *PromptStore) Load(name string) ([]byte, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.Path(name))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && name == HoldToneFile {
			return ProgressTone(), nil
		}
		return nil, fmt.Errorf("读取提示音 %s 失败: %w", name, err)
	}

	wav, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("解析提示音 %s 失败: %w", name, err)
	}
	return wav.Telephony(), nil
}

// ProgressTone 生成北美回铃音：440Hz+480Hz，响2秒停4秒
func ProgressTone() []byte {
	const (
		onMs  = 2000
		offMs = 4000
	)
	samples := (onMs + offMs) * SampleRate / 1000
	on := onMs * SampleRate / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < on; i++ {
		t := float64(i) / SampleRate
		v := 0.25 * (math.Sin(2*math.Pi*440*t) + math.Sin(2*math.Pi*480*t))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return pcm
}

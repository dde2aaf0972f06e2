package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Replayer 把推送事件逐条投递到webhook接口
type Replayer struct {
	client   *http.Client
	target   string
	interval time.Duration
}

// NewReplayer 创建回放器，target 形如 http://host:port/api/webhook/ivr
func NewReplayer(client *http.Client, target string, interval time.Duration) *Replayer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Replayer{client: client, target: strings.TrimRight(target, "/"), interval: interval}
}

// Replay 按顺序投递事件，返回成功投递的条数
func (r *Replayer) Replay(ctx context.Context, events [][]byte) (int, error) {
	sent := 0
	for i, event := range events {
		if i > 0 && r.interval > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(r.interval):
			}
		}
		if err := r.post(ctx, event); err != nil {
			return sent, fmt.Errorf("投递第 %d 条事件失败: %w", i+1, err)
		}
		sent++
	}
	return sent, nil
}

func (r *Replayer) post(ctx context.Context, event []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.target, bytes.NewReader(event))
	if err != nil {
		return fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Printf("[DEBUG] 已回放事件: %s", event)
	return nil
}

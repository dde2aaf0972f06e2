package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pbx_callcontrol/internal/capture"
	"pbx_callcontrol/internal/types"
)

func main() {
	pcapFile := flag.String("pcap", "", "包含PBX推送通道流量的抓包文件")
	target := flag.String("target", "http://localhost:3000", "服务地址")
	app := flag.String("app", "ivr", "应用类型: ivr/campaign/dialer")
	interval := flag.Duration("interval", 200*time.Millisecond, "事件投递间隔")
	dryRun := flag.Bool("dry-run", false, "只打印事件不投递")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *pcapFile == "" {
		log.Fatal("[ERROR] 必须指定 -pcap")
	}
	if _, err := types.ParseAppTypeName(*app); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	reader, err := capture.NewPCAPReader(*pcapFile)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	if hs, err := reader.ExtractWebSocketHandshake(); err != nil {
		log.Fatalf("[ERROR] 读取握手失败: %v", err)
	} else if hs != nil {
		log.Printf("[INFO] 推送通道握手: %s (版本 %s)", hs.Path, hs.Version)
	}

	events, err := reader.ExtractPushEvents()
	if err != nil {
		log.Fatalf("[ERROR] 提取推送事件失败: %v", err)
	}
	log.Printf("[INFO] 共提取 %d 条推送事件", len(events))

	if *dryRun {
		for _, event := range events {
			fmt.Println(string(event))
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := strings.TrimRight(*target, "/") + "/api/webhook/" + strings.ToLower(*app)
	sent, err := capture.NewReplayer(nil, url, *interval).Replay(ctx, events)
	if err != nil {
		log.Fatalf("[ERROR] 已投递 %d 条后失败: %v", sent, err)
	}
	log.Printf("[INFO] 回放完成，共投递 %d 条事件到 %s", sent, url)
}

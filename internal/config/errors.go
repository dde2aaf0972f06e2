package config

import "errors"

// 配置相关错误
var (
	ErrEmptyHost        = errors.New("服务器地址不能为空")
	ErrInvalidPort      = errors.New("服务器端口必须大于0")
	ErrEmptyPromptDir   = errors.New("提示音目录不能为空")
	ErrInvalidRetries   = errors.New("PBX推送通道重试次数必须大于0")
	ErrInvalidStreamMod = errors.New("AI流模式只能是duplex或greeting")
	ErrInvalidProvider  = errors.New("语音识别服务只能是whisper或xunfei")
)

package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// 网关错误分类
var (
	// ErrTransient 网络错误、5xx、未识别错误码等，可重试
	ErrTransient = errors.New("网关临时错误")
	// ErrMalformedResponse 响应无法解析或缺少必要字段，可重试
	ErrMalformedResponse = errors.New("网关响应格式错误")
	// ErrAuth 签名或凭证无效，不可重试
	ErrAuth = errors.New("网关鉴权失败")
	// ErrInsufficientMargin 保证金不足，本周期放弃
	ErrInsufficientMargin = errors.New("保证金不足")
)

// 鉴权类错误码
var authCodes = map[string]bool{
	"50100": true, // API frozen
	"50101": true, // APIKey 与环境不匹配
	"50102": true, // 时间戳过期
	"50103": true, // 缺少 OK-ACCESS-KEY
	"50104": true, // 缺少 OK-ACCESS-PASSPHRASE
	"50105": true, // passphrase 错误
	"50111": true, // 无效 OK-ACCESS-KEY
	"50112": true, // 无效 OK-ACCESS-TIMESTAMP
	"50113": true, // 无效签名
	"50114": true, // 无效授权
	"58001": true, // 资金密码错误
}

// 保证金不足类错误码
var marginCodes = map[string]bool{
	"51004": true, // 超过杠杆档位可开仓位
	"51008": true, // 可用余额/保证金不足
	"51119": true, // 保证金不足
	"51127": true, // 可用余额不足
	"58350": true, // 余额不足
}

// APIError 交易所业务错误
// 通过 Unwrap 归类到 ErrAuth / ErrInsufficientMargin / ErrTransient
type APIError struct {
	// Code 错误码（顶层 code 或 sCode）
	Code string
	// Msg 错误信息
	Msg string
}

// Error 实现 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("交易所错误 code=%s msg=%s", e.Code, e.Msg)
}

// Unwrap 返回错误分类
func (e *APIError) Unwrap() error {
	return Classify(e.Code, e.Msg)
}

// Classify 按错误码与错误信息归类
func Classify(code, msg string) error {
	if authCodes[code] {
		return ErrAuth
	}
	if marginCodes[code] || strings.Contains(strings.ToLower(msg), "insufficient") {
		return ErrInsufficientMargin
	}
	return ErrTransient
}

// Retryable 判断错误是否允许重试
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrAuth) && !errors.Is(err, ErrInsufficientMargin)
}

package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Classification(t *testing.T) {
	tests := []struct {
		code, msg string
		want      error
	}{
		{"50113", "Invalid Sign", ErrAuth},
		{"50111", "Invalid OK-ACCESS-KEY", ErrAuth},
		{"51008", "Order failed. Insufficient USDT margin in account", ErrInsufficientMargin},
		{"51000", "Insufficient USDT margin", ErrInsufficientMargin},
		{"50001", "Service temporarily unavailable", ErrTransient},
		{"", "", ErrTransient},
	}
	for _, tt := range tests {
		err := fmt.Errorf("下单失败: %w", &APIError{Code: tt.code, Msg: tt.msg})
		if !errors.Is(err, tt.want) {
			t.Fatalf("code=%s msg=%q 归类错误，期望 %v", tt.code, tt.msg, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Fatal("nil 不应视为可重试错误")
	}
	if Retryable(&APIError{Code: "50113"}) {
		t.Fatal("鉴权错误不可重试")
	}
	if Retryable(fmt.Errorf("x: %w", ErrInsufficientMargin)) {
		t.Fatal("保证金不足不可重试")
	}
	if !Retryable(fmt.Errorf("x: %w", ErrMalformedResponse)) {
		t.Fatal("格式错误应可重试")
	}
}

func TestParseOrderState(t *testing.T) {
	cases := map[string]OrderState{
		"filled":           StateFilled,
		"partially_filled": StatePartiallyFilled,
		"partial-filled":   StatePartiallyFilled,
		"live":             StateLive,
		"canceled":         StateCanceled,
		"???":              StateUnknown,
	}
	for in, want := range cases {
		if got := ParseOrderState(in); got != want {
			t.Fatalf("ParseOrderState(%q) = %s, want %s", in, got, want)
		}
	}
	if !StatePartiallyFilled.Accepted() || StateLive.Accepted() {
		t.Fatal("Accepted 判断错误")
	}
}

package client

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// TransportError 表示没有收到任何响应（连接失败、超时、无可用地址）。
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error on %s: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError 表示收到了响应，但状态码不在允许范围内。
type ProtocolError struct {
	Host       string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected response code %d from %s", e.StatusCode, e.Host)
	}
	return fmt.Sprintf("unexpected response code %d from %s: %s", e.StatusCode, e.Host, e.Body)
}

// IsNotFound 报告 err 是否为 404 响应。
func IsNotFound(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// IsTransport 报告 err 是否为传输层错误。
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

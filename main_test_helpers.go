package main

import (
	"bytes"
	"testing"
)

// useBufferWriters 把 stdOut/stdErr 暂时替换为内存缓冲，
// 测试结束后自动还原，便于对 CLI 输出做断言。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer 返回 useBufferWriters 生效期间的 stdout 缓冲。
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// stdErrBuffer 返回 useBufferWriters 生效期间的 stderr 缓冲。
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

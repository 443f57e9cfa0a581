// Created by Yanjunhui

// Package logging 提供结构化 JSON 日志。
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// 日志级别
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[int]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// Entry 结构化日志条目
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"msg"`
	Context   map[string]interface{} `json:"ctx,omitempty"`
}

// Logger 日志器
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	level     int
	component string
}

// 全局日志器
var defaultLogger = NewLogger(os.Stdout)

// NewLogger 创建新的日志器
func NewLogger(output io.Writer) *Logger {
	return &Logger{
		output:    output,
		level:     LevelInfo,
		component: "GBPTREE",
	}
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput 设置输出目标
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// WithComponent 创建带组件名的日志器副本
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		output:    l.output,
		level:     l.level,
		component: name,
	}
}

// log 写入日志
func (l *Logger) log(level int, msg string, ctx map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     levelNames[level],
		Component: l.component,
		Message:   msg,
		Context:   ctx,
	}

	// JSON 格式输出
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "[ERROR] Failed to marshal log entry: %v\n", err)
		return
	}

	l.output.Write(data)
	l.output.Write([]byte("\n"))
}

// Debug 调试日志
func (l *Logger) Debug(msg string, ctx ...map[string]interface{}) {
	var c map[string]interface{}
	if len(ctx) > 0 {
		c = ctx[0]
	}
	l.log(LevelDebug, msg, c)
}

// Info 信息日志
func (l *Logger) Info(msg string, ctx ...map[string]interface{}) {
	var c map[string]interface{}
	if len(ctx) > 0 {
		c = ctx[0]
	}
	l.log(LevelInfo, msg, c)
}

// Warn 警告日志
func (l *Logger) Warn(msg string, ctx ...map[string]interface{}) {
	var c map[string]interface{}
	if len(ctx) > 0 {
		c = ctx[0]
	}
	l.log(LevelWarn, msg, c)
}

// Error 错误日志
func (l *Logger) Error(msg string, ctx ...map[string]interface{}) {
	var c map[string]interface{}
	if len(ctx) > 0 {
		c = ctx[0]
	}
	l.log(LevelError, msg, c)
}

// GetLogger 获取默认日志器
func GetLogger() *Logger {
	return defaultLogger
}

// SetLogLevel 设置全局日志级别
func SetLogLevel(level int) {
	defaultLogger.SetLevel(level)
}

// LogInfo 全局信息日志
func LogInfo(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Info(msg, ctx...)
}

// LogWarn 全局警告日志
func LogWarn(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Warn(msg, ctx...)
}

// LogError 全局错误日志
func LogError(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Error(msg, ctx...)
}

// LogDebug 全局调试日志
func LogDebug(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Debug(msg, ctx...)
}

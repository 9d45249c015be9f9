package logger

import (
	"context"
	"fmt"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// KratosLogger Kratos日志适配器
type KratosLogger struct {
	logger Logger
}

// NewKratosLogger 创建Kratos日志适配器
func NewKratosLogger(logger Logger) kratoslog.Logger {
	return &KratosLogger{logger: logger}
}

// Log 实现Kratos Logger接口
func (kl *KratosLogger) Log(level kratoslog.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}

	// 解析键值对
	fields := make(map[string]interface{})
	var msg string

	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			key := fmt.Sprintf("%v", keyvals[i])
			value := keyvals[i+1]

			if key == "msg" {
				msg = fmt.Sprintf("%v", value)
			} else {
				fields[key] = value
			}
		}
	}

	// 转换日志级别并记录
	ctx := context.TODO()
	switch level {
	case kratoslog.LevelDebug:
		kl.logger.Debug(ctx, msg, convertFields(fields)...)
	case kratoslog.LevelInfo:
		kl.logger.Info(ctx, msg, convertFields(fields)...)
	case kratoslog.LevelWarn:
		kl.logger.Warn(ctx, msg, convertFields(fields)...)
	case kratoslog.LevelError, kratoslog.LevelFatal:
		kl.logger.Error(ctx, msg, convertFields(fields)...)
	default:
		kl.logger.Info(ctx, msg, convertFields(fields)...)
	}

	return nil
}

// convertFields 转换字段格式
func convertFields(fields map[string]interface{}) []Field {
	result := make([]Field, 0, len(fields))
	for key, value := range fields {
		result = append(result, F(key, value))
	}
	return result
}

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

var adbLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger replaces the package logger; cmd/emuhub uses it to honour --log-level.
func SetLogger(l *slog.Logger) {
	if l != nil {
		adbLogger = l
	}
}

func logEvent(env Env, message string, fields ...any) {
	emit(env, slog.LevelInfo, message, fields...)
}

func logWarn(env Env, message string, fields ...any) {
	emit(env, slog.LevelWarn, message, fields...)
}

func emit(env Env, level slog.Level, message string, fields ...any) {
	baseFields := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if env.CorrelationID != "" {
		baseFields = append(baseFields, "correlation_id", env.CorrelationID)
	}
	allFields := append(baseFields, fields...)
	adbLogger.Log(spanContext(env), level, message, allFields...)
	bridgeRecord(env, level, message, allFields)
}

// bridgeRecord mirrors a log event to the global OpenTelemetry logger provider.
func bridgeRecord(env Env, level slog.Level, message string, fields []any) {
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(message))
	switch {
	case level >= slog.LevelError:
		rec.SetSeverity(otellog.SeverityError)
	case level >= slog.LevelWarn:
		rec.SetSeverity(otellog.SeverityWarn)
	default:
		rec.SetSeverity(otellog.SeverityInfo)
	}
	rec.SetSeverityText(level.String())
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			rec.AddAttributes(otellog.String(key, v))
		case int:
			rec.AddAttributes(otellog.Int(key, v))
		case int64:
			rec.AddAttributes(otellog.Int64(key, v))
		case bool:
			rec.AddAttributes(otellog.Bool(key, v))
		default:
			rec.AddAttributes(otellog.String(key, fmt.Sprint(v)))
		}
	}
	global.GetLoggerProvider().Logger("emuhub/adb").Emit(spanContext(env), rec)
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, "command stderr", fields...)
}

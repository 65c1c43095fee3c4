package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// envLogFormat selects the output format; "json" emits one object per line.
const envLogFormat = "FLOWLOG_LOG_FORMAT"

var (
	logFormatOnce sync.Once
	logAsJSON     bool
)

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...any) {
	emit("INFO", component, msg, kv...)
}

// Warn logs a degraded-but-handled condition.
func Warn(component, msg string, kv ...any) {
	emit("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...any) {
	emit("ERROR", component, msg, kv...)
}

func emit(level, component, msg string, kv ...any) {
	if jsonEnabled() {
		log.Print(formatJSON(level, component, msg, kv...))
		return
	}
	prefix := ""
	if level != "INFO" {
		prefix = level + " "
	}
	log.Printf("[%s] %s%s%s", strings.ToUpper(component), prefix, msg, formatFields(kv...))
}

func jsonEnabled() bool {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
	})
	return logAsJSON
}

func formatJSON(level, component, msg string, kv ...any) string {
	entry := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"component": component,
		"msg":       msg,
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		switch v := kv[i+1].(type) {
		case error:
			entry[key] = v.Error()
		case fmt.Stringer:
			entry[key] = v.String()
		default:
			entry[key] = v
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"component":%q,"msg":%q,"log_error":%q}`, level, component, msg, err.Error())
	}
	return string(data)
}

func formatFields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return strings.ReplaceAll(t.Error(), "\n", " ")
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(fmt.Sprintf("%v", t), "\n", " "), "\t", " "))
	}
}

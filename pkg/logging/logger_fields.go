package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Engine field helpers

func Component(name string) Field {
	return String(componentKey, name)
}

func TableID(id uint64) Field {
	return Uint64("table_id", id)
}

func TableIDs(ids []uint64) Field {
	return Field{Key: "table_ids", Value: ids}
}

// TreeLevel names an LSM level. Not called Level to keep the Level type.
func TreeLevel(n int) Field {
	return Int("level", n)
}

func Snapshot(s uint64) Field {
	return Uint64("snapshot", s)
}

func LogID(id uint64) Field {
	return Uint64("log_id", id)
}

func Bytes(n int64) Field {
	return Int64("bytes", n)
}

func Records(n int64) Field {
	return Int64("records", n)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// InterceptorLogger adapts a zap logger to the gRPC logging interceptors.
// Proto payloads are rendered as JSON so that request and response bodies stay readable.
func InterceptorLogger(l *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		logger := l.WithOptions(zap.AddCallerSkip(1)).With(zapFields(fields)...)

		switch lvl {
		case logging.LevelDebug:
			logger.Debug(msg)
		case logging.LevelInfo:
			logger.Info(msg)
		case logging.LevelWarn:
			logger.Warn(msg)
		case logging.LevelError:
			logger.Error(msg)
		default:
			logger.Error(fmt.Sprintf("unknown log level %v: %s", lvl, msg))
		}
	})
}

func zapFields(fields []any) []zap.Field {
	f := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprint(fields[i])
		}

		switch v := fields[i+1].(type) {
		case string:
			f = append(f, zap.String(key, v))
		case int:
			f = append(f, zap.Int(key, v))
		case bool:
			f = append(f, zap.Bool(key, v))
		case proto.Message:
			b, err := protojson.Marshal(v)
			if err != nil {
				f = append(f, zap.String(key, fmt.Sprintf("ERROR: failed to marshal proto type %s: %v", v.ProtoReflect().Descriptor().FullName(), err)))
			} else {
				f = append(f, zap.Any(key, json.RawMessage(b)))
			}
		default:
			f = append(f, zap.Any(key, v))
		}
	}
	return f
}

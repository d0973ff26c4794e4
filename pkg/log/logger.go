// Package log provides structured logging utilities for the round proxy.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// LevelTrace sits below debug; slog has no native trace level.
const LevelTrace = slog.LevelDebug - 4

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a textual level to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel <= slog.LevelDebug,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithUpstream returns a logger scoped to one upstream
func (l *Logger) WithUpstream(upstreamID string) *Logger {
	return l.WithFields("upstream", upstreamID)
}

// WithAccount returns a logger with account-specific fields
func (l *Logger) WithAccount(accountID, minerName string) *Logger {
	return l.WithFields("account_id", accountID, "miner_name", minerName)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Trace logs at trace level
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// FormatDuration renders a duration the way operators read it ("1 minute 20 seconds").
func FormatDuration(d time.Duration) string {
	return durafmt.Parse(d).LimitFirstN(2).String()
}

// Proxy-specific logging helpers

// LogRoundChange logs a new round announced by an upstream
func (l *Logger) LogRoundChange(upstreamID string, height uint64, baseTarget *big.Int, netDiff float64, fork bool) {
	l.Info("new round",
		"upstream", upstreamID,
		"block_height", height,
		"base_target", baseTarget.String(),
		"net_difficulty", netDiff,
		"fork", fork,
	)
}

// LogRoundActivated logs a round becoming the active scan target
func (l *Logger) LogRoundActivated(upstreamID string, height uint64, scanTime time.Duration) {
	l.Debug("round activated",
		"upstream", upstreamID,
		"block_height", height,
		"scan_time", FormatDuration(scanTime),
	)
}

// LogSubmission logs a forwarded submission and its outcome
func (l *Logger) LogSubmission(upstreamID, accountID string, height uint64, adjustedDL *big.Int, status string) {
	dl := ""
	if adjustedDL != nil {
		dl = adjustedDL.String()
	}
	l.Info("nonce submission",
		"upstream", upstreamID,
		"account_id", accountID,
		"block_height", height,
		"deadline", dl,
		"status", status,
	)
}

// LogOutage logs a connection outage transition
func (l *Logger) LogOutage(upstreamID string, detected bool, downFor time.Duration) {
	if detected {
		l.Error("outage detected", "upstream", upstreamID)
		return
	}
	l.Info("outage resolved", "upstream", upstreamID, "down_for", FormatDuration(downFor))
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogWireMessage logs raw protocol lines (trace level)
func (l *Logger) LogWireMessage(direction, message string) {
	l.Trace("wire message",
		"direction", direction,
		"message", message,
	)
}

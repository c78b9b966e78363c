// Package logging wraps a zap.Logger with file rotation and a set of
// structured helpers for the alert/notification/downtime event classes
// a monitoring daemon emits, keyed the way the teacher's plain-text
// Nagios log lines were, as fields instead of a formatted string.
package logging

import (
	"fmt"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RotationMethod selects how often the log file is rotated.
type RotationMethod int

const (
	RotationNone RotationMethod = iota
	RotationHourly
	RotationDaily
	RotationWeekly
	RotationMonthly
)

// Verbosity bitmask flags for selective verbose logging.
const (
	VerboseChecks           = 1 << 0 // Log every check result
	VerboseExternalCommands = 1 << 1 // Log every dispatched external command
)

// Config controls how New builds a Logger.
type Config struct {
	LogPath        string
	ArchiveDir     string
	RotationMethod RotationMethod
	UseSyslog      bool
	UseStdout      bool
	Level          zapcore.Level
}

// Logger embeds *zap.Logger so callers can use it directly for ad hoc
// structured logging, plus the rotation and alert-event helpers.
type Logger struct {
	*zap.Logger
	file           *rotatingFile
	rotationMethod RotationMethod
	Verbosity      int
}

// New builds a Logger writing JSON-encoded records to cfg.LogPath, with
// optional stdout and syslog tees.
func New(cfg Config) (*Logger, error) {
	file, err := newRotatingFile(cfg.LogPath, cfg.ArchiveDir)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(file), cfg.Level)}

	if cfg.UseStdout {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), cfg.Level))
	}

	if cfg.UseSyslog {
		if sw, err := syslog.New(syslog.LOG_USER|syslog.LOG_INFO, "fleetwatchd"); err == nil {
			cores = append(cores, zapcore.NewCore(encoder, syslogSyncer{sw}, cfg.Level))
		}
	}

	return &Logger{
		Logger:         zap.New(zapcore.NewTee(cores...)),
		file:           file,
		rotationMethod: cfg.RotationMethod,
	}, nil
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	return l.file.Close()
}

// Rotate closes the current log file, archives it under a timestamped
// name, and reopens the original path for further writes.
func (l *Logger) Rotate() error {
	return l.file.Rotate(time.Now())
}

// NextRotationTime returns the next time the log should be rotated.
func (l *Logger) NextRotationTime(from time.Time) time.Time {
	switch l.rotationMethod {
	case RotationHourly:
		return from.Truncate(time.Hour).Add(time.Hour)
	case RotationDaily:
		y, m, d := from.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, from.Location())
	case RotationWeekly:
		y, m, d := from.Date()
		daysUntilSunday := (7 - int(from.Weekday())) % 7
		if daysUntilSunday == 0 {
			daysUntilSunday = 7
		}
		return time.Date(y, m, d+daysUntilSunday, 0, 0, 0, 0, from.Location())
	case RotationMonthly:
		y, m, _ := from.Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, from.Location())
	default:
		return time.Time{}
	}
}

// LogVerbose emits msg at Info only if flag is set in l.Verbosity.
func (l *Logger) LogVerbose(flag int, msg string, fields ...zap.Field) {
	if l.Verbosity&flag == 0 {
		return
	}
	l.Info(msg, fields...)
}

// HostAlert logs a host state-change alert.
func (l *Logger) HostAlert(hostName string, state, stateType, attempt int, output string) {
	l.Info("host_alert",
		zap.String("host", hostName),
		zap.Int("state", state),
		zap.Int("state_type", stateType),
		zap.Int("attempt", attempt),
		zap.String("output", output),
	)
}

// ServiceAlert logs a service state-change alert.
func (l *Logger) ServiceAlert(hostName, svcDesc string, state, stateType, attempt int, output string) {
	l.Info("service_alert",
		zap.String("host", hostName),
		zap.String("service", svcDesc),
		zap.Int("state", state),
		zap.Int("state_type", stateType),
		zap.Int("attempt", attempt),
		zap.String("output", output),
	)
}

// Notification logs a notification-request emission. svcDesc is
// ignored when isHost is true.
func (l *Logger) Notification(isHost bool, hostName, svcDesc, notifType, author, comment string) {
	fields := []zap.Field{zap.String("host", hostName), zap.String("type", notifType)}
	if !isHost {
		fields = append(fields, zap.String("service", svcDesc))
	}
	if author != "" {
		fields = append(fields, zap.String("author", author))
	}
	if comment != "" {
		fields = append(fields, zap.String("comment", comment))
	}
	l.Info("notification", fields...)
}

// Downtime logs a downtime lifecycle event (start/end/cancel).
func (l *Logger) Downtime(isHost bool, hostName, svcDesc, action, message string) {
	fields := []zap.Field{zap.String("host", hostName), zap.String("action", action)}
	if !isHost {
		fields = append(fields, zap.String("service", svcDesc))
	}
	if message != "" {
		fields = append(fields, zap.String("message", message))
	}
	l.Info("downtime", fields...)
}

// ExternalCommand logs a dispatched external command.
func (l *Logger) ExternalCommand(cmdName string, args []string) {
	l.LogVerbose(VerboseExternalCommands, "external_command",
		zap.String("command", cmdName), zap.Strings("args", args))
}

// PassiveCheck logs a passive check-result submission.
func (l *Logger) PassiveCheck(isHost bool, hostName, svcDesc string, state int, output string) {
	fields := []zap.Field{zap.String("host", hostName), zap.Int("state", state), zap.String("output", output)}
	if !isHost {
		fields = append(fields, zap.String("service", svcDesc))
	}
	l.Info("passive_check", fields...)
}

// rotatingFile is a zapcore.WriteSyncer over an append-mode file that
// can be rotated (closed, renamed into an archive directory, reopened)
// in place without losing writers mid-rotation.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	archiveDir string
	f          *os.File
}

func newRotatingFile(path, archiveDir string) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &rotatingFile{path: path, archiveDir: archiveDir, f: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(p)
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func (r *rotatingFile) Rotate(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	archiveName := fmt.Sprintf("fleetwatch-%02d-%02d-%04d-%02d.log", now.Month(), now.Day(), now.Year(), now.Hour())
	archivePath := filepath.Join(r.archiveDir, archiveName)
	if _, err := os.Stat(archivePath); err == nil {
		return nil
	}

	r.f.Close()
	if err := os.Rename(r.path, archivePath); err != nil {
		r.f, _ = os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		return fmt.Errorf("rotate log: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new log: %w", err)
	}
	r.f = f
	return nil
}

// syslogSyncer adapts a *syslog.Writer into a zapcore.WriteSyncer.
type syslogSyncer struct{ w *syslog.Writer }

func (s syslogSyncer) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s syslogSyncer) Sync() error                 { return nil }

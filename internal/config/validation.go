package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"

	"geofenced/internal/geo"
	"geofenced/internal/tracing"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateGeofence(&c.Geofence)...)
	errs = append(errs, validateLocation(&c.Location)...)
	errs = append(errs, validateConnectivity(&c.Connectivity)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)
	errs = append(errs, validateNotifications(&c.Notifications)...)
	errs = append(errs, validateTracing(&c.Tracing)...)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateGeofence(g *GeofenceConfig) ValidationErrors {
	var errs ValidationErrors
	if !g.Managed {
		return errs
	}

	if g.RadiusMeters < 0 || math.IsNaN(g.RadiusMeters) || math.IsInf(g.RadiusMeters, 0) {
		errs = append(errs, ValidationError{
			Field:   "geofence.radius_meters",
			Message: "radius must be a finite, non-negative number",
		})
	}
	if g.RadiusMeters > 0 {
		c := geo.Coordinate{Latitude: g.Latitude, Longitude: g.Longitude}
		if !c.Valid() {
			errs = append(errs, ValidationError{
				Field:   "geofence.latitude",
				Message: fmt.Sprintf("invalid center %s", c.String()),
			})
		}
	}
	return errs
}

func validateLocation(l *LocationConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Source {
	case "geoclue", "manual", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "location.source",
			Message: fmt.Sprintf("invalid location source: %s (valid: geoclue, manual, none)", l.Source),
		})
	}

	if l.Source == "geoclue" && l.DesktopID == "" {
		errs = append(errs, ValidationError{
			Field:   "location.desktop_id",
			Message: "desktop id is required for geoclue",
		})
	}

	if l.MaxAccuracyMeters < 0 {
		errs = append(errs, ValidationError{
			Field:   "location.max_accuracy_meters",
			Message: "max accuracy cannot be negative",
		})
	}

	if l.RetryIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "location.retry_interval_sec",
			Message: "retry interval must be at least 1 second",
		})
	}

	return errs
}

func validateConnectivity(c *ConnectivityConfig) ValidationErrors {
	switch c.Backend {
	case "networkmanager", "static", "none":
		return nil
	}
	return ValidationErrors{{
		Field:   "connectivity.backend",
		Message: fmt.Sprintf("invalid backend: %s (valid: networkmanager, static, none)", c.Backend),
	}}
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}

	if s.HistoryRetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.history_retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	errs = append(errs, validateRate("ipc", i.RequestsPerSecond, i.RequestBurst)...)
	return errs
}

func validateRate(section string, rate float64, burst int) ValidationErrors {
	var errs ValidationErrors
	if rate < 0 || math.IsNaN(rate) {
		errs = append(errs, ValidationError{
			Field:   section + ".requests_per_second",
			Message: "rate cannot be negative",
		})
	}
	if rate > 0 && burst < 1 {
		errs = append(errs, ValidationError{
			Field:   section + ".request_burst",
			Message: "burst must be at least 1 when rate limiting is enabled",
		})
	}
	return errs
}

func validateHTTP(h *HTTPConfig) ValidationErrors {
	if !h.Enabled {
		return nil
	}
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "http.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", h.Listen, err),
		})
	}
	return append(errs, validateRate("http", h.RequestsPerSecond, h.RequestBurst)...)
}

func validateNotifications(n *NotificationsConfig) ValidationErrors {
	var errs ValidationErrors

	switch n.Backend {
	case "desktop", "log", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "notifications.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: desktop, log, none)", n.Backend),
		})
	}

	if n.QueueDepth < 1 {
		errs = append(errs, ValidationError{
			Field:   "notifications.queue_depth",
			Message: "queue depth must be at least 1",
		})
	}

	return errs
}

func validateTracing(t *tracing.Config) ValidationErrors {
	var errs ValidationErrors

	if !t.Enabled {
		return errs
	}

	switch t.Exporter {
	case "stdout":
	case "file":
		if t.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "tracing.file_path",
				Message: "file path is required for the file exporter",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "tracing.exporter",
			Message: fmt.Sprintf("invalid exporter: %s (valid: stdout, file)", t.Exporter),
		})
	}

	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: "sample ratio must be between 0 and 1",
		})
	}

	return errs
}

package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrInvalidPlan     ErrorCode = "invalid_sweep_plan"

	// Instrument errors
	ErrTransport ErrorCode = "instrument_transport_failed"
	ErrParse     ErrorCode = "instrument_parse_failed"

	// Plotter errors
	ErrProcess ErrorCode = "plotter_process_failed"

	// Run errors
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrAborted        ErrorCode = "sweep_aborted"
	ErrPersist        ErrorCode = "persist_records_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrInvalidConfig:   "Invalid configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read config file",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInvalidPlan:     "Invalid sweep plan",
	ErrTransport:       "Instrument transport failed",
	ErrParse:           "Failed to parse instrument response",
	ErrProcess:         "Plotter process failed",
	ErrAlreadyRunning:  "Another sweep is already running against this instrument",
	ErrAborted:         "Sweep aborted",
	ErrPersist:         "Failed to persist records",
	ErrShutdownFailed:  "Shutdown failed",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}

package domain

import "errors"

// Sentinel errors shared across services. The API layer maps these to HTTP
// status codes; messages never echo file paths, API keys, or database errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrRoleNotFound   = errors.New("role not found")
	ErrBuiltinRole    = errors.New("cannot delete built-in role")
	ErrNotApproved    = errors.New("device must be approved before allocating memory")
	ErrQuotaExceeded  = errors.New("requested memory exceeds role limit")
	ErrUnknownSetting = errors.New("unknown settings key")

	ErrInvalidModelPath = errors.New("invalid model path")
	ErrModelNotFound    = errors.New("model file not found or empty")
	ErrTooManyPeers     = errors.New("too many peer devices requested")

	ErrBinaryNotFound   = errors.New("binary not found")
	ErrImmediateExit    = errors.New("process exited immediately, port in use or misconfigured")
	ErrEngineNotRunning = errors.New("inference engine is not running")
	ErrNoBackend        = errors.New("no inference backend configured")
	ErrUpstream         = errors.New("backend unreachable")
)

package access

import "errors"

// Error taxonomy shared across the session, provisioning and monitoring
// layers. Callers match with errors.Is; messages wrapped around these carry
// the host/command detail. Account-exists and account-missing conditions are
// success paths under idempotence and deliberately have no sentinel here.
var (
	ErrConnectionFailed       = errors.New("connection failed")
	ErrElevationUnavailable   = errors.New("privileged execution unavailable")
	ErrElevationAuthFailed    = errors.New("privileged execution rejected credentials")
	ErrCommandRejected        = errors.New("command rejected by safety check")
	ErrCapabilityActionFailed = errors.New("capability action failed")
	ErrTimeout                = errors.New("operation timed out")
)

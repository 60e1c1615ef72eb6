package orchestrator

import "errors"

var (
	// ErrSamplingScript indicates the target-application sampling script
	// raised; the underlying cause is surfaced verbatim.
	ErrSamplingScript = errors.New("sampling script failed")
	// ErrQrExtraction indicates no QR code could be decoded from the login
	// page within the retry budget.
	ErrQrExtraction = errors.New("qr extraction failed")
	// ErrQrValidation indicates every decoded QR pointed at a
	// promotional/download URL instead of a login URL.
	ErrQrValidation = errors.New("qr code validation failed")
	// ErrAuthTimeout indicates the user never completed the scan within
	// the login polling budget.
	ErrAuthTimeout = errors.New("authentication timed out")
	// ErrModuleNotFound indicates no auth module is bound under the
	// requested name.
	ErrModuleNotFound = errors.New("auth module not loaded")
	// ErrMissingSessionCookie indicates login completed but the session-id
	// cookie was absent from the captured cookies.
	ErrMissingSessionCookie = errors.New("session cookie missing after login")
)

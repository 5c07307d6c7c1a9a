package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrNotArray         = "payload must be a json array"
	ErrInvalidSignature = "invalid signature"
	ErrInvalidHours     = "hours must be between 1 and 168"
	ErrDependency       = "dependency error"
)

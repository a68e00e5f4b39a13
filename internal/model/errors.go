package model

// ErrorKind classifies where in the relay pipeline a failure happened.
type ErrorKind int

const (
	// KindInternal covers failures while preparing the outbound request.
	KindInternal ErrorKind = iota
	// KindConnection covers failures before the upstream response head arrived.
	KindConnection
	// KindStreaming covers failures after the response head was committed.
	KindStreaming
)

func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindConnection:
		return "connection"
	case KindStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ProxyError is a classified relay failure. Message is safe to show to callers.
type ProxyError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewProxyError wraps err with a kind and a caller-visible message.
func NewProxyError(kind ErrorKind, message string, err error) *ProxyError {
	return &ProxyError{Kind: kind, Message: message, Err: err}
}

func (e *ProxyError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

package verifier

import "errors"

// Kind classifies why a verification failed. Kinds are for logs and metrics
// only; callers always receive the same Result.
type Kind int

const (
	KindUnknown Kind = iota
	KindDiscovery
	KindKey
	KindSignature
	KindClaims
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindKey:
		return "key"
	case KindSignature:
		return "signature"
	case KindClaims:
		return "claims"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a verification failure tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindUnknown
}

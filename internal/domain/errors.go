package domain

import "errors"

// Sentinel errors for the failure taxonomy. Components wrap these with
// context; callers classify with errors.Is or ErrorKind.
var (
	// ErrEntropy reports an entropy-source failure during key
	// generation. Fatal to the current operation, non-retryable here.
	ErrEntropy = errors.New("entropy source failure")

	// ErrInvalidKey reports peer key material that is not a valid
	// point on the curve.
	ErrInvalidKey = errors.New("invalid peer public key")

	// ErrNoSession reports a completion attempt with no handshake in
	// progress for that peer.
	ErrNoSession = errors.New("no key exchange in progress")

	// ErrAuth reports an AEAD open failure. No plaintext is released.
	ErrAuth = errors.New("packet authentication failed")

	// ErrMalformed reports truncated or invalid wire data.
	ErrMalformed = errors.New("malformed packet")

	// ErrUnsupportedVersion reports a protocol version the codec does
	// not recognize.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrInvalidTransition reports an operation invalid in the
	// session's current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrReplay reports a duplicate or out-of-order sequence number.
	// The session is aborted; the peer must re-handshake.
	ErrReplay = errors.New("sequence number replayed or out of order")

	// ErrMergeNotSupported reports a Merged resolution for an item
	// kind with no registered merge strategy.
	ErrMergeNotSupported = errors.New("no merge strategy registered for item kind")

	// ErrConflictNotFound reports a resolution attempt against an
	// unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrCapacity reports that the concurrent session limit is
	// reached. Existing sessions are undisturbed; retry later.
	ErrCapacity = errors.New("concurrent session limit reached")

	// ErrRevoked reports a sync attempt against a revoked device.
	ErrRevoked = errors.New("device is revoked")

	// ErrValidation reports malformed registry input, rejected before
	// any mutation.
	ErrValidation = errors.New("invalid device record")
)

// ErrorKind maps an error to its taxonomy bucket. The bridge layer
// serializes this string; it never invents its own classification.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEntropy):
		return "crypto"
	case errors.Is(err, ErrAuth):
		return "crypto"
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrNoSession):
		return "handshake"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnsupportedVersion):
		return "codec"
	case errors.Is(err, ErrInvalidTransition):
		return "state"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrMergeNotSupported), errors.Is(err, ErrConflictNotFound):
		return "resolution"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrRevoked):
		return "validation"
	}
	return "internal"
}

package cipher

import (
	"errors"
	"fmt"

	"github.com/ytget/avstream/errs"
)

// Stage names the decode step that rejected a token.
type Stage string

const (
	StageBase64   Stage = "base64"
	StageLength   Stage = "length"
	StageBlock    Stage = "block"
	StageDecrypt  Stage = "decrypt"
	StageInflate  Stage = "inflate"
	StageUTF8     Stage = "utf8"
	StageUnescape Stage = "unescape"
)

// Error is a decode failure at a given stage.
type Error struct {
	Stage   Stage
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errs.ErrFormat so callers can classify without the concrete type.
func (e *Error) Is(target error) bool { return target == errs.ErrFormat }

func newError(stage Stage, message string, cause error) *Error {
	return &Error{Stage: stage, Message: message, Err: cause}
}

// StageOf returns the failing stage of err, or "" when err is not a decode error.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// IsCryptoError reports whether err came from key handling or decryption
// rather than from the token's framing.
func IsCryptoError(err error) bool {
	switch StageOf(err) {
	case StageDecrypt, StageInflate:
		// A wrong key decrypts to noise, which surfaces as an inflate failure.
		return true
	}
	return false
}

package gitops

import "strings"

// PushErrorCode categorizes push failures so the resolution pipeline can
// produce distinct messages.
type PushErrorCode string

const (
	PushErrAuth       PushErrorCode = "auth"
	PushErrDiverged   PushErrorCode = "diverged"
	PushErrNetwork    PushErrorCode = "network"
	PushErrPermission PushErrorCode = "permission"
	PushErrOther      PushErrorCode = "other"
)

// PushError wraps a failed push with its classification and the raw stderr.
type PushError struct {
	Code   PushErrorCode
	Stderr string
}

func (e *PushError) Error() string {
	return "push failed (" + string(e.Code) + "): " + strings.TrimSpace(e.Stderr)
}

// classifyPushError maps git's stderr to a behavioral category. Substrings
// are checked in specificity order: permission and divergence markers are
// more precise than the generic auth ones.
func classifyPushError(stderr string) *PushError {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "protected branch"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "permission to") && strings.Contains(lower, "denied"):
		return &PushError{Code: PushErrPermission, Stderr: stderr}

	case strings.Contains(lower, "non-fast-forward"),
		strings.Contains(lower, "fetch first"),
		strings.Contains(lower, "tip of your current branch is behind"):
		return &PushError{Code: PushErrDiverged, Stderr: stderr}

	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "invalid credentials"),
		strings.Contains(lower, "permission denied (publickey"):
		return &PushError{Code: PushErrAuth, Stderr: stderr}

	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "operation timed out"),
		strings.Contains(lower, "unable to access"):
		return &PushError{Code: PushErrNetwork, Stderr: stderr}

	default:
		return &PushError{Code: PushErrOther, Stderr: stderr}
	}
}

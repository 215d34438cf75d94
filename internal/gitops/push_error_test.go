package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPushError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   PushErrorCode
	}{
		{
			"protected branch",
			"remote: error: GH006: Protected branch update failed for refs/heads/main",
			PushErrPermission,
		},
		{
			"http 403",
			"remote: Permission to acme/widgets.git denied. fatal: unable to access: The requested URL returned error: 403",
			PushErrPermission,
		},
		{
			"non fast forward",
			"! [rejected] main -> main (non-fast-forward)",
			PushErrDiverged,
		},
		{
			"fetch first",
			"! [rejected] main -> main (fetch first)",
			PushErrDiverged,
		},
		{
			"bad credentials",
			"fatal: Authentication failed for 'https://github.com/acme/widgets.git/'",
			PushErrAuth,
		},
		{
			"no terminal prompt",
			"fatal: could not read Username for 'https://github.com': terminal prompts disabled",
			PushErrAuth,
		},
		{
			"ssh key rejected",
			"git@github.com: Permission denied (publickey).",
			PushErrAuth,
		},
		{
			"dns failure",
			"fatal: unable to look up github.com: Could not resolve host: github.com",
			PushErrNetwork,
		},
		{
			"connection refused",
			"fatal: unable to connect: Connection refused",
			PushErrNetwork,
		},
		{
			"anything else",
			"error: src refspec nonsense does not match any",
			PushErrOther,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := classifyPushError(tt.stderr)
			assert.Equal(t, tt.want, perr.Code)
			assert.Equal(t, tt.stderr, perr.Stderr)
			assert.Contains(t, perr.Error(), string(tt.want))
		})
	}
}

// ABOUTME: Table tests for the exit-status recovery classifier.

package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/warren/internal/subprocess"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  subprocess.ExitStatus
		recover bool
		reason  string
	}{
		{"clean exit", subprocess.ExitStatus{Code: 0}, false, "exited cleanly"},
		{"operator kill", subprocess.ExitStatus{Code: 143, Killed: true}, false, "terminated by operator"},
		{"executable missing", subprocess.ExitStatus{Code: 127}, false, "agent executable not found"},
		{"sigterm from outside", subprocess.ExitStatus{Code: 143}, false, "killed by signal 15"},
		{"sigkill from outside", subprocess.ExitStatus{Code: 137}, false, "killed by signal 9"},
		{"ordinary crash", subprocess.ExitStatus{Code: 1}, true, "crashed with exit code 1"},
		{"panic exit", subprocess.ExitStatus{Code: 2}, true, "crashed with exit code 2"},
		{"wait failure", subprocess.ExitStatus{Code: -1}, true, "crashed with exit code -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Classify(tt.status)
			assert.Equal(t, tt.recover, decision.Recover)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

package testlog

import (
	"testing"

	logs "github.com/danmuck/pipelink/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logs.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}

package session_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/workpulse/workpulse/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

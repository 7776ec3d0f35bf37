package ledger_test

import (
	"testing"
	"time"

	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
)

func TestMemoryBackend_Suite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Backend {
		return ledger.NewMemoryBackend(now)
	})
}

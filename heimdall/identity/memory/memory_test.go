package memory_test

import (
	"testing"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/conformance"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
)

func TestMemoryStorage(t *testing.T) {
	conformance.RunTests(t, func() identity.Storage {
		return memory.New()
	})
}

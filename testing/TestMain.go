package testing

import (
	"os"
	"path/filepath"
	"sync"
	stdtesting "testing"
)

var once sync.Once

// ensureTestMode flags the binaries to skip startup and keeps blob writes out
// of the working tree.
func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		if os.Getenv("BLOB_DIR") == "" {
			_ = os.Setenv("BLOB_DIR", filepath.Join(os.TempDir(), "statement-recon-test-blobs"))
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}

package pusher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// maxWorkdirs bounds the probe loop so a misconfigured host fails
// loudly instead of minting directories forever.
const maxWorkdirs = 64

// AcquireWorkdir claims a numbered working directory under root. Each
// pusher instance on a host gets its own directory, guarded by a file
// lock that outlives crashes. The caller must Unlock the returned lock
// on shutdown.
func AcquireWorkdir(root string) (string, *flock.Flock, error) {
	for i := 0; i < maxWorkdirs; i++ {
		dir := filepath.Join(root, fmt.Sprintf("hgpusher.%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", nil, fmt.Errorf("create workdir %s: %w", dir, err)
		}

		lock := flock.New(filepath.Join(dir, ".lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return "", nil, fmt.Errorf("lock workdir %s: %w", dir, err)
		}
		if locked {
			return dir, lock, nil
		}
	}
	return "", nil, fmt.Errorf("no free workdir under %s after %d probes", root, maxWorkdirs)
}

//go:build unix

package supervisor

import (
	"fmt"
	"os/exec"
)

// reclaimPort best-effort kills whatever process still holds the TCP port.
// Failure is ignored; the subsequent bind surfaces any real conflict.
func reclaimPort(port int) {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("lsof -ti tcp:%d | xargs -r kill -9", port))
	cmd.Run()
}

//go:build windows

package supervisor

// reclaimPort is a no-op on Windows; the agent binary handles port reuse.
func reclaimPort(port int) {}

//go:build !linux

package affinity

// Pin is a no-op on platforms without sched_setaffinity.
func Pin(cpu int) error {
	_ = cpu
	return nil
}

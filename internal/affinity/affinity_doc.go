// Package affinity pins hot-path threads to dedicated CPU cores to reduce
// scheduling jitter. Pinning is best-effort: containerised environments may
// reject the syscall, in which case callers should log and continue unpinned.
package affinity

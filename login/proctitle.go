package login

// SetProcTitle attempts to set the process title so `ps`/`top` show the
// listener's live state (address, session count) instead of the binary's
// argv[0]. Go has no portable proctitle API in the standard library, and
// none of this repository's dependencies provide one either, so this is a
// documented no-op rather than a syscall-level PR_SET_NAME/argv-overwrite
// hack: those are Linux-only and unsafe to do correctly without a C
// library the rest of this stack doesn't otherwise need.
func SetProcTitle(title string) {
	_ = title
}

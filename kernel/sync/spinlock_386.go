// +build 386

package sync

// callYield is invoked by the asm spin loop after attemptsBeforeYielding
// failed acquisition attempts. It exists because Plan9 asm cannot call a
// Go func value directly.
func callYield() {
	if yieldFn != nil {
		yieldFn()
	}
}

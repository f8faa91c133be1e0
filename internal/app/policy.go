package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickWatcher
)

// Policy decides what happens to a watcher that cannot keep up.
type Policy interface {
	OnBackPressure(id WatcherID, misses int) BackpressureAction
}

// SimplePolicy kicks a watcher after Tolerance consecutive misses.
type SimplePolicy struct {
	Tolerance int
}

func (p SimplePolicy) OnBackPressure(_ WatcherID, misses int) BackpressureAction {
	if misses > p.Tolerance {
		return KickWatcher
	}
	return NoAction
}

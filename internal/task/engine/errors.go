package engine

import "errors"

var (
	ErrStopped     = errors.New("job engine stopped")
	ErrInFlight    = errors.New("job already firing")
	ErrJobDisabled = errors.New("job disabled")
)

package engine

import "errors"

var (
	// ErrNoDataLoaded is returned until the first successful reload.
	ErrNoDataLoaded = errors.New("no rule data loaded")

	// ErrInputInvalid is returned for malformed admission requests.
	ErrInputInvalid = errors.New("invalid input")

	// ErrTimeSourceUnavailable is returned when the clock gives no usable time.
	// The call is admitted with an Ok verdict and no counters are touched.
	ErrTimeSourceUnavailable = errors.New("time source unavailable")

	// ErrReloadFailed wraps any fetch or build failure during reload.
	// The previous snapshot stays active.
	ErrReloadFailed = errors.New("rule reload failed")
)

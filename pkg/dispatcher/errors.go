package dispatcher

import "errors"

var (
	ErrAutomationInactive = errors.New("automation is inactive")
	ErrNoFlow             = errors.New("run has no flow")
)

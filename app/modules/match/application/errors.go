package matchservice

import "errors"

var (
	ErrViewNotLoaded  = errors.New("match view not loaded")
	ErrMatchOver      = errors.New("match already decided")
	ErrNoActiveLeg    = errors.New("no active leg")
	ErrLegDecided     = errors.New("leg already decided")
	ErrRosterTooSmall = errors.New("a match needs at least two players")
	ErrBadStartScore  = errors.New("starting score must be 201, 301 or 501")
	ErrBadFinishRule  = errors.New("unknown finish rule")
	ErrBadLegsToWin   = errors.New("legs to win must be at least 1")
)

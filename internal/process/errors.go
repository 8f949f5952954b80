package process

import "errors"

var (
	ErrNoHosts       = errors.New("no hosts available")
	ErrUnknownHost   = errors.New("unknown host")
	ErrDuplicateHost = errors.New("host already has a link")
	ErrLinkBusy      = errors.New("link already runs a process")
	ErrUnknownTarget = errors.New("unknown target")
	ErrBadArgument   = errors.New("bad argument")
	ErrBothEnds      = errors.New("both ends of one channel passed to a process")
	ErrNotStarted    = errors.New("process not started")
	ErrStarted       = errors.New("process already started")
	ErrJoinTimeout   = errors.New("join timed out")
	ErrKilled        = errors.New("killed by controller")
	ErrLinkClosed    = errors.New("link closed")
)

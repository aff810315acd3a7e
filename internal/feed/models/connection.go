package models

// ConnState is the liveness state of a dashboard connection.
type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnLive
	ConnDraining
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnLive:
		return "live"
	case ConnDraining:
		return "draining"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

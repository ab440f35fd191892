package peer

import "errors"

var (
	// errPeerChoking is returned by SendRequest when the remote peer has
	// us choked; the scheduler should not treat this as a hard failure,
	// just skip this session this pass.
	errPeerChoking = errors.New("peer: cannot request while choked")
	// errNoSpareSlots is returned by SendRequest when the session's
	// pipeline is already full.
	errNoSpareSlots = errors.New("peer: no spare request slots")
)

package portal

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// DialGuestConn opens the raw vsock connection to cid/port, with no Portal
// framing applied. internal/engine's backends call this from OpenVsock,
// since an engine.Engine hands callers an io.ReadWriteCloser and leaves
// Portal session framing to the caller (internal/controller).
func DialGuestConn(cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("portal: vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}

// DialGuest opens a Portal connection to the guest agent listening on
// cid/port inside a running box's VM. The agent side calls ListenGuest
// with the same port from inside the VM.
func DialGuest(cid, port uint32) (*Session, error) {
	conn, err := DialGuestConn(cid, port)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, nil), nil
}

// ListenGuest is called from inside the guest's init agent to accept the
// single inbound Portal connection from the host for this box.
func ListenGuest(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("portal: vsock listen port=%d: %w", port, err)
	}
	return l, nil
}

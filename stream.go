package adb

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/EFForg/adb-client/wire"
)

// Stream is one multiplexed conversation on a connection, e.g. a shell
// invocation or a sync session. It is exclusively owned by the caller that
// opened it; the connection keeps only a lookup entry for dispatch.
//
// Stream implements io.ReadWriteCloser on top of Send/Recv, so protocol
// layers that want a byte stream (sync, shell piping) can treat it as one.
type Stream struct {
	conn    *Connection
	localID uint32
	// Assigned by the peer's first OKAY; immutable once opened is closed.
	remoteID uint32

	// inbox is written only by the connection's read loop. Its capacity is
	// a formality: with one-outstanding-write flow control the peer cannot
	// have more than one unacknowledged WRTE in flight.
	inbox  chan []byte
	acks   chan struct{}
	opened chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	// Leftover bytes of the last payload, for the io.Reader view.
	rbuf []byte
}

func newStream(c *Connection, localID uint32) *Stream {
	return &Stream{
		conn:    c,
		localID: localID,
		inbox:   make(chan []byte, 16),
		acks:    make(chan struct{}, 1),
		opened:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// LocalID returns the caller-chosen stream id, unique on this connection.
func (s *Stream) LocalID() uint32 { return s.localID }

// RemoteID returns the peer-assigned id, zero until the stream is open.
func (s *Stream) RemoteID() uint32 { return s.remoteID }

// Send transmits b on the stream. Payloads larger than the negotiated max
// are fragmented; each WRTE must be acknowledged with an OKAY before the
// next goes out, which is the protocol's backpressure mechanism: a slow
// peer simply withholds the OKAY.
func (s *Stream) Send(b []byte) error {
	max := int(s.conn.maxPayload)
	for first := true; first || len(b) > 0; first = false {
		select {
		case <-s.done:
			return errors.Wrap(ErrConnectionClosed, "stream closed")
		case <-s.conn.done:
			return ErrConnectionClosed
		default:
		}

		chunk := b
		if len(chunk) > max {
			chunk = b[:max]
		}
		b = b[len(chunk):]

		err := s.conn.writeMessage(wire.Message{
			Command: wire.CmdWrite,
			Arg0:    s.localID,
			Arg1:    s.remoteID,
			Payload: chunk,
		})
		if err != nil {
			return err
		}

		select {
		case <-s.acks:
		case <-s.done:
			return errors.Wrap(ErrConnectionClosed, "stream closed during send")
		case <-s.conn.done:
			return ErrConnectionClosed
		case <-time.After(s.conn.cfg.IOTimeout):
			return errors.Wrap(ErrTimeout, "waiting for WRTE acknowledgement")
		}
	}
	return nil
}

// Recv returns the next payload the peer wrote to this stream, in arrival
// order. A CLSE from the peer, a local Close, or connection teardown is
// observed as io.EOF (or as the connection's fatal error); a blocked Recv
// is always woken.
func (s *Stream) Recv() ([]byte, error) {
	// Drain delivered data before reporting a close.
	select {
	case b := <-s.inbox:
		return b, nil
	default:
	}
	select {
	case b := <-s.inbox:
		return b, nil
	case <-s.done:
		select {
		case b := <-s.inbox:
			return b, nil
		default:
		}
		return nil, io.EOF
	case <-s.conn.done:
		if err := s.conn.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// Read gives the io.Reader view over Recv.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.rbuf) == 0 {
		b, err := s.Recv()
		if err != nil {
			return 0, err
		}
		s.rbuf = b
	}
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

// Write gives the io.Writer view over Send.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends CLSE and removes the stream from the connection. It is safe
// to call more than once and after the peer already closed.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.unregister(s.localID)
		close(s.done)
		select {
		case <-s.conn.done:
			// Transport is gone, nothing to tell the peer.
		default:
			err = s.conn.writeMessage(wire.Message{
				Command: wire.CmdClose,
				Arg0:    s.localID,
				Arg1:    s.remoteID,
			})
		}
	})
	return err
}

// closeRemote marks the stream closed without notifying the peer, for a
// received CLSE or a connection teardown.
func (s *Stream) closeRemote() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// deliverData enqueues a WRTE payload and acknowledges it. Called only from
// the connection read loop. The OKAY goes out after the payload is queued,
// so the peer's next WRTE can never overrun the inbox.
func (s *Stream) deliverData(payload []byte) {
	select {
	case s.inbox <- payload:
	case <-s.done:
		// Closed locally while the write was in flight; drop it.
		return
	case <-s.conn.done:
		return
	}
	s.conn.writeMessage(wire.Message{Command: wire.CmdOkay, Arg0: s.localID, Arg1: s.remoteID})
}

// deliverOkay records the peer's OKAY: the first one carries the remote id
// and completes the OPEN, later ones release the pending write. Called only
// from the connection read loop.
func (s *Stream) deliverOkay(remoteID uint32) {
	select {
	case <-s.opened:
		select {
		case s.acks <- struct{}{}:
		default:
			// Unsolicited OKAY, nothing is waiting.
		}
	default:
		s.remoteID = remoteID
		close(s.opened)
	}
}

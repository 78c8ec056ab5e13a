package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Listener is the passive end of the side channel. It serves exactly one exchange.
type Listener struct {
	ln        net.Listener
	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr. Binding happens before the exchange so that the dialing peer can
// connect as soon as it is ready.
func Listen(ctx context.Context, addr string) (*Listener, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close releases the socket. It is safe to call more than once.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

// Exchange accepts one connection, reads the peer's descriptor, then writes local. The
// listener is closed when Exchange returns.
func (l *Listener) Exchange(ctx context.Context, local Descriptor) (Descriptor, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer l.Close()

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	conn, err := l.ln.Accept()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return Descriptor{}, fmt.Errorf("rendezvous accept: %w", ctx.Err())
		}
		return Descriptor{}, fmt.Errorf("rendezvous accept: %w", err)
	}
	defer conn.Close()

	remote, err := roundTrip(ctx, conn, local, false)
	if err != nil {
		return Descriptor{}, err
	}
	return remote, nil
}

// Dial connects to the listening peer once, writes local, then reads the peer's
// descriptor. There is no retry.
func Dial(ctx context.Context, addr string, local Descriptor) (Descriptor, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Descriptor{}, fmt.Errorf("rendezvous dial %s: %w", addr, err)
	}
	defer conn.Close()
	return roundTrip(ctx, conn, local, true)
}

func roundTrip(ctx context.Context, conn net.Conn, local Descriptor, sendFirst bool) (Descriptor, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var remote Descriptor
	var err error
	if sendFirst {
		if err = writeDescriptor(conn, local); err == nil {
			remote, err = readDescriptor(conn)
		}
	} else {
		if remote, err = readDescriptor(conn); err == nil {
			err = writeDescriptor(conn, local)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Descriptor{}, errors.Join(err, ctx.Err())
		}
		return Descriptor{}, err
	}
	if err := remote.Validate(); err != nil {
		return Descriptor{}, err
	}
	return remote, nil
}

func readDescriptor(r io.Reader) (Descriptor, error) {
	var buf [DescriptorSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Descriptor{}, fmt.Errorf("rendezvous read: %w: got %d of %d bytes", ErrShortRecord, n, DescriptorSize)
		}
		return Descriptor{}, fmt.Errorf("rendezvous read: %w", err)
	}
	var d Descriptor
	if err := d.UnmarshalBinary(buf[:]); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func writeDescriptor(w io.Writer, d Descriptor) error {
	buf, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("rendezvous write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("rendezvous write: %w: wrote %d of %d bytes", ErrShortRecord, n, len(buf))
	}
	return nil
}

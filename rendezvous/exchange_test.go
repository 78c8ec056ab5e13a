package rendezvous

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

var (
	passiveDesc = Descriptor{RKey: 0x1001, QPN: 0x11, GID: verbs.GID{0xfe, 0x80, 15: 1}}
	activeDesc  = Descriptor{RKey: 0x2002, QPN: 0x12, GID: verbs.GID{0xfe, 0x80, 15: 2}}
)

func TestDescriptorLayout(t *testing.T) {
	buf, err := passiveDesc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(buf) != DescriptorSize {
		t.Fatalf("unexpected size %d", len(buf))
	}
	if got := binary.NativeEndian.Uint32(buf[0:4]); got != passiveDesc.RKey {
		t.Fatalf("rkey field %#x", got)
	}
	if got := binary.NativeEndian.Uint32(buf[4:8]); got != passiveDesc.QPN {
		t.Fatalf("qpn field %#x", got)
	}
	if buf[8] != 0xfe || buf[23] != 1 {
		t.Fatalf("gid not at offset 8: %x", buf)
	}
	var d Descriptor
	if err := d.UnmarshalBinary(buf[:20]); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected short record, got %v", err)
	}
}

func TestDescriptorValidate(t *testing.T) {
	if err := passiveDesc.Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}
	if err := (Descriptor{QPN: 1}).Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected zero gid rejection, got %v", err)
	}
	if err := (Descriptor{QPN: 1 << 24, GID: passiveDesc.GID}).Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected qpn rejection, got %v", err)
	}
}

func TestExchangeIsSymmetric(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	type result struct {
		desc Descriptor
		err  error
	}
	done := make(chan result, 1)
	go func() {
		d, err := ln.Exchange(ctx, passiveDesc)
		done <- result{d, err}
	}()

	gotByActive, err := Dial(ctx, ln.Addr().String(), activeDesc)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("Exchange failed: %v", res.err)
	}
	if gotByActive != passiveDesc {
		t.Fatalf("active received %s, want %s", gotByActive, passiveDesc)
	}
	if res.desc != activeDesc {
		t.Fatalf("passive received %s, want %s", res.desc, activeDesc)
	}
	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatalf("listener still accepting after exchange")
	}
}

func TestExchangeShortRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		_, _ = conn.Write(make([]byte, 10))
		_ = conn.Close()
	}()
	if _, err := ln.Exchange(ctx, passiveDesc); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected short record, got %v", err)
	}
}

func TestExchangeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	start := time.Now()
	_, err = ln.Exchange(ctx, passiveDesc)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Exchange did not return promptly")
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, err := Dial(context.Background(), addr, activeDesc); err == nil {
		t.Fatalf("expected dial to fail once the listener is gone")
	}
}

func TestDialRejectsInvalidPeerDescriptor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go func() { _, _ = ln.Exchange(ctx, Descriptor{}) }()
	if _, err := Dial(ctx, ln.Addr().String(), activeDesc); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected invalid descriptor, got %v", err)
	}
}

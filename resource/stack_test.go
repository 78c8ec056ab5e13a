package resource

import (
	"errors"
	"reflect"
	"testing"
)

func TestStackReleasesNewestFirst(t *testing.T) {
	var order []string
	var s Stack
	for _, name := range []string{"device", "pd", "mr"} {
		name := name
		s.Push(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	s.Push("ignored", nil)
	if s.Len() != 3 {
		t.Fatalf("unexpected length %d", s.Len())
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if want := []string{"mr", "pd", "device"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("release order %v, want %v", order, want)
	}
	if err := s.Release(); err != nil || len(order) != 3 {
		t.Fatalf("second Release ran entries again: %v %v", err, order)
	}
}

func TestStackJoinsFailures(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	ran := 0
	var s Stack
	s.Push("a", func() error { ran++; return errA })
	s.Push("ok", func() error { ran++; return nil })
	s.Push("b", func() error { ran++; return errB })
	err := s.Release()
	if ran != 3 {
		t.Fatalf("expected every release to run, ran %d", ran)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected joined failures, got %v", err)
	}
}

func TestBufferPageAligned(t *testing.T) {
	buf, err := NewBuffer(100)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	if buf.Len() < 100 || buf.Len()%pageRound(1) != 0 {
		t.Fatalf("buffer length %d not page rounded", buf.Len())
	}
	buf.Bytes()[0] = 'x'
	if err := buf.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if err := buf.Free(); err != nil {
		t.Fatalf("second Free failed: %v", err)
	}
	if _, err := NewBuffer(0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

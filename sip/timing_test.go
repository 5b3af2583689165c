package sip_test

import (
	"testing"
	"time"

	"github.com/voclab/sipcall/sip"
)

func TestTimingConfig_Defaults(t *testing.T) {
	t.Parallel()

	var c sip.TimingConfig
	if got, want := c.T1(), 500*time.Millisecond; got != want {
		t.Errorf("T1() = %v, want %v", got, want)
	}
	if got, want := c.TimeB(), 64*c.T1(); got != want {
		t.Errorf("TimeB() = %v, want %v", got, want)
	}
	if got, want := c.TimeC(), 3*time.Minute; got != want {
		t.Errorf("TimeC() = %v, want %v", got, want)
	}
	if got, want := c.TimeK(), c.T4(); got != want {
		t.Errorf("TimeK() = %v, want %v", got, want)
	}
}

func TestTimingConfig_Overrides(t *testing.T) {
	t.Parallel()

	c := sip.NewTimings(10*time.Millisecond, 80*time.Millisecond, 100*time.Millisecond).
		WithTimeC(time.Second)
	if got, want := c.TimeB(), 640*time.Millisecond; got != want {
		t.Errorf("TimeB() = %v, want %v", got, want)
	}
	if got, want := c.TimeF(), 640*time.Millisecond; got != want {
		t.Errorf("TimeF() = %v, want %v", got, want)
	}
	if got, want := c.TimeC(), time.Second; got != want {
		t.Errorf("TimeC() = %v, want %v", got, want)
	}
	if got, want := c.T2(), 80*time.Millisecond; got != want {
		t.Errorf("T2() = %v, want %v", got, want)
	}
}

package sip

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeC is the proxy INVITE timeout, RFC 3261 requires > 3 minutes.
	TimeC = 3 * time.Minute
	// TimeDialog is the horizon after which an untouched dialog is swept.
	TimeDialog = 15 * time.Minute
)

// TimingConfig represents SIP timing config.
// It is used to configure SIP timers as described in RFC 3261.
// Zero value uses default base values [T1], [T2], [T4], [TimeC], [TimeDialog].
// All other timings are calculated based on these base values.
type TimingConfig struct {
	t1, t2, t4,
	timeC,
	timeDialog time.Duration
}

// NewTimings creates a new SIP timing config with specified base values.
// See [TimingConfig] for more details about how base timing values are used.
func NewTimings(t1, t2, t4 time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4}
}

// WithTimeC returns a copy of the config with the proxy INVITE timeout set.
func (c TimingConfig) WithTimeC(d time.Duration) TimingConfig {
	c.timeC = d
	return c
}

// WithTimeDialog returns a copy of the config with the dialog sweep horizon set.
func (c TimingConfig) WithTimeDialog(d time.Duration) TimingConfig {
	c.timeDialog = d
	return c
}

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeC returns the INVITE transaction timeout on proxy.
// It is equal to [TimeC] if not specified.
func (c TimingConfig) TimeC() time.Duration {
	if c.timeC == 0 {
		return TimeC
	}
	return c.timeC
}

// TimeD is the wait duration for response retransmits via unreliable transport.
// It is equal to 64*[TimingConfig.T1] (32s with the default T1).
func (c TimingConfig) TimeD() time.Duration { return 64 * c.T1() }

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns initial INVITE response retransmit interval.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK request retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration for non-INVITE request retransmits via unreliable transport.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns wait duration for response retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL returns the wait duration for accepted INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE or
// additional 2xx from other branches of a forked INVITE.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// TimeTrans is the horizon after which a finished transaction is swept.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeTrans() time.Duration { return 64 * c.T1() }

// TimeDialog is the horizon after which an untouched dialog is swept.
// It is equal to [TimeDialog] if not specified.
func (c TimingConfig) TimeDialog() time.Duration {
	if c.timeDialog == 0 {
		return TimeDialog
	}
	return c.timeDialog
}

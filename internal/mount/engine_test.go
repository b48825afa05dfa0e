package mount

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// scriptedTransport hands back one queued response frame per
// ReadAtLeast call, recording every write it sees.
type scriptedTransport struct {
	responses [][]byte
	idx       int
	writes    [][]byte
}

func (s *scriptedTransport) WriteFully(data []byte) error {
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *scriptedTransport) ReadAtLeast(buf []byte, min int) (int, error) {
	if s.idx >= len(s.responses) {
		return 0, errors.New("scriptedTransport: no more responses queued")
	}
	resp := s.responses[s.idx]
	s.idx++
	n := copy(buf, resp)
	if n < min {
		return n, errors.New("scriptedTransport: short response")
	}
	return n, nil
}

func (s *scriptedTransport) Close() error { return nil }

func inquiryFrame(status byte, count int32) []byte {
	return []byte{
		0x55, 0xAA, 0x01, 0x05,
		0x00, status,
		byte(count >> 16), byte(count >> 8), byte(count),
	}
}

var ackFrame = []byte{0x55, 0xAA, 0x01, 0x00}

func newTestEngine(responses ...[]byte) (*Engine, *scriptedTransport) {
	st := &scriptedTransport{responses: responses}
	e := New(st, 100*time.Millisecond, zap.NewNop())
	return e, st
}

func TestEnableWritesEnableFrame(t *testing.T) {
	e, st := newTestEngine()
	ok := e.Enable(true)
	assert.True(t, ok)
	assert.Equal(t, encodeEnable(true), st.writes[0])
}

func TestSlewDirectWhenRampInactiveAndWithinBand(t *testing.T) {
	e, _ := newTestEngine(inquiryFrame(StatusSlewing, 0), ackFrame)
	ok := e.Slew(AxisRA, 100)
	assert.True(t, ok)

	snap := e.Snapshot()
	assert.Equal(t, 100, snap[AxisRA].Rate)
	assert.Equal(t, 100, snap[AxisRA].SlewRate)
	assert.False(t, snap[AxisRA].SlewRampActive)
}

func TestSlewAboveThresholdEngagesRamp(t *testing.T) {
	e, st := newTestEngine(inquiryFrame(StatusSlewing, 0))
	ok := e.Slew(AxisRA, 1600)
	assert.True(t, ok)

	snap := e.Snapshot()
	assert.True(t, snap[AxisRA].SlewRampActive)
	assert.Equal(t, 4000, snap[AxisRA].SlewRate)
	// No slew frame written yet: only the inquiry.
	assert.Len(t, st.writes, 1)
}

func TestSlewFailsDuringGoto(t *testing.T) {
	e, _ := newTestEngine(inquiryFrame(0, 0))
	ok := e.Slew(AxisRA, 50)
	assert.False(t, ok)
}

func TestGotoNoOpWhenAlreadyMidGoto(t *testing.T) {
	e, _ := newTestEngine(inquiryFrame(0, 0))
	ok := e.GoTo(AxisRA, 640, 12345)
	assert.False(t, ok)
}

func TestGotoArmsRampState(t *testing.T) {
	e, _ := newTestEngine(inquiryFrame(StatusSlewing, 1000), ackFrame)
	ok := e.GoTo(AxisRA, 640, 5000)
	assert.True(t, ok)

	snap := e.Snapshot()
	assert.Equal(t, int32(1000), snap[AxisRA].GotoStart)
	assert.Equal(t, int32(5000), snap[AxisRA].GotoTarget)
	assert.Equal(t, minGotoRate, snap[AxisRA].GotoRate)
	assert.Equal(t, 0, snap[AxisRA].Rate)
}

func TestTrackSetsTrackingRateRegardlessOfOutcome(t *testing.T) {
	e, _ := newTestEngine(inquiryFrame(StatusDisabled, 0))
	ok := e.Track(AxisRA, -3)
	assert.False(t, ok)

	snap := e.Snapshot()
	assert.Equal(t, 3, snap[AxisRA].TrackingRate)
	assert.Equal(t, 3, snap[AxisRA].CurrentTrackingRate)
}

func TestDisabledAxisForcesRateZeroOnManagerTick(t *testing.T) {
	e, st := newTestEngine(inquiryFrame(StatusDisabled, 0), inquiryFrame(StatusDisabled, 0))
	e.axes[AxisRA].rate = 50
	e.tick()

	snap := e.Snapshot()
	assert.Equal(t, 0, snap[AxisRA].Rate)
	// Both axes disabled: power-save never engages its idle counter.
	assert.Equal(t, 0, e.idleCount)
	// Only the two per-axis inquiries; no slew, goto or enable frame.
	assert.Len(t, st.writes, 2)
}

func TestPowerSaveIdleCounterIncrementsWhenBothAxesIdleAndSlewing(t *testing.T) {
	e, _ := newTestEngine(inquiryFrame(StatusSlewing, 0), inquiryFrame(StatusSlewing, 0))
	e.tick()
	assert.Equal(t, 1, e.idleCount)
}

func TestCmd10RoundTrip(t *testing.T) {
	e, st := newTestEngine([]byte{0x55, 0xAA, 0x01, 0x03, 0x00, 0x12, 0x34})
	v, ok := e.Cmd10()
	assert.True(t, ok)
	assert.Equal(t, uint16(0x1234), v)
	assert.Equal(t, encodeCmd10(), st.writes[0])
}

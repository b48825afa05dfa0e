// Package mount implements the Brexos2 mount control engine: the
// binary frame codec (codec.go) and a periodic supervisor that polls
// axis status and drives slew ramps, goto ramps, and tracking
// modulation.
package mount

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Axis indices. Exactly two axes; kept explicit everywhere rather than
// implicitly demultiplexed.
const (
	AxisRA = iota
	AxisDEC
)

// Status bits reported by the mount in an inquiry response.
const (
	StatusSlewing   byte = 0x04
	StatusDisabled  byte = 0x08
	StatusDirection byte = 0x80
)

// Motion tuning constants governing ramp rates and power-save timing.
const (
	maxSlewRate         = 4000
	slewRampThreshold   = 1600
	slewRampStep        = 200
	minGotoRate         = 20
	maxGotoRate         = 4000
	maxGuidingPulseRate = 5
	powerSaveTicks      = 100
	trackingModPeriod   = 6
)

// Axis holds one drive motor's control-loop state.
type Axis struct {
	rate                 int
	slewRate             int
	slewRampActive       bool
	trackingRate         int
	currentTrackingRate  int
	position             int32
	status               byte
	gotoStart            int32
	gotoTarget           int32
	gotoRate             int
}

// AxisSnapshot is a read-only copy of an axis's state, for status
// pollers that only need to read current values.
type AxisSnapshot struct {
	Rate                int
	SlewRate            int
	SlewRampActive      bool
	TrackingRate        int
	CurrentTrackingRate int
	Position            int32
	Status              byte
	GotoStart           int32
	GotoTarget          int32
	GotoRate            int
}

// Transport is the I/O surface the engine needs from the serial link;
// internal/serial.Port satisfies it.
type Transport interface {
	WriteFully(data []byte) error
	ReadAtLeast(buf []byte, min int) (int, error)
	Close() error
}

// Engine is the mount-control supervisor: it owns the serial transport
// exclusively, guards all axis state and the transport with a single
// mutex, and runs a background manager goroutine at a fixed tick
// interval.
type Engine struct {
	mu        sync.Mutex
	transport Transport
	axes      [2]Axis
	idleCount int
	tickCount int

	log          *zap.Logger
	tickInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine over an already-open transport. Axes start
// fully reset: DISABLED status, zero rates, zero counts.
func New(t Transport, tickInterval time.Duration, log *zap.Logger) *Engine {
	e := &Engine{
		transport:    t,
		tickInterval: tickInterval,
		log:          log,
	}
	for i := range e.axes {
		e.axes[i] = Axis{status: StatusDisabled}
	}
	return e
}

// Start launches the background manager goroutine.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.managerLoop(ctx)
}

// Stop cancels the manager goroutine, joins it, and closes the serial
// transport. The engine is not usable after Stop returns.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.transport.Close()
}

func (e *Engine) managerLoop(ctx context.Context) {
	defer e.wg.Done()
	timer := time.NewTimer(e.tickInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		e.tick()
		timer.Reset(e.tickInterval)
	}
}

// tick is one manager iteration.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.manageAxis(AxisRA)
	e.manageAxis(AxisDEC)
	e.managePowerSave()
	e.tickCount++
}

func (e *Engine) manageAxis(axisIndex int) {
	axis := &e.axes[axisIndex]

	status, position, err := e.wireInquiry(axisIndex)
	if err != nil {
		e.log.Debug("manager: inquiry failed, skipping axis this tick",
			zap.Int("axis", axisIndex), zap.Error(err))
		return
	}
	axis.status = status
	axis.position = position

	if status&StatusDisabled != 0 {
		axis.rate = 0
		return
	}

	if status&StatusSlewing == 0 {
		// A goto is in progress; re-arm it with the next ramp rate.
		if axis.gotoTarget != axis.gotoStart {
			d1 := abs32(axis.gotoTarget - axis.position)
			d2 := abs32(axis.position - axis.gotoStart)
			distance := d1
			if d2 < d1 {
				distance = d2
			}
			rate := clampInt(int(math.Round(math.Sqrt(float64(distance))*10)), minGotoRate, maxGotoRate)
			axis.gotoRate = rate
			e.wireGoTo(axisIndex, rate, axis.gotoTarget)
		}
		return
	}

	if axis.slewRampActive {
		rate := axis.rate
		switch {
		case rate < axis.slewRate:
			rate += slewRampStep
			if rate > axis.slewRate {
				rate = axis.slewRate
			}
		case rate > axis.slewRate:
			rate -= slewRampStep
			if rate < axis.slewRate {
				rate = axis.slewRate
			}
		}
		axis.slewRampActive = rate != axis.slewRate
		if axis.rate != rate {
			e.wireSlew(axisIndex, rate)
		}
		return
	}

	if axisIndex == AxisRA && axis.trackingRate != 0 {
		newTrackingRate := axis.trackingRate
		if e.tickCount%trackingModPeriod == 0 {
			newTrackingRate--
		}
		if newTrackingRate < 0 {
			newTrackingRate = 0
		}
		axis.currentTrackingRate = newTrackingRate

		if axis.slewRate > -maxGuidingPulseRate && axis.slewRate < maxGuidingPulseRate {
			newRate := newTrackingRate + axis.slewRate
			if newRate < 0 {
				newRate = 0
			}
			if axis.rate != newRate {
				e.wireSlew(axisIndex, newRate)
			}
		}
	}
}

func (e *Engine) isIdleSlewing(axisIndex int) bool {
	status := e.axes[axisIndex].status
	return status&(StatusDisabled|StatusSlewing) == StatusSlewing
}

func (e *Engine) managePowerSave() {
	if e.isIdleSlewing(AxisRA) && e.isIdleSlewing(AxisDEC) &&
		e.axes[AxisRA].rate == 0 && e.axes[AxisDEC].rate == 0 {
		e.idleCount++
		if e.idleCount >= powerSaveTicks {
			e.wireEnable(false)
		}
		return
	}
	e.idleCount = 0
}

// Enable issues the motor-enable/-disable command.
func (e *Engine) Enable(on bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wireEnable(on)
}

// Inquiry issues a raw inquiry without touching cached axis state.
func (e *Engine) Inquiry(axisIndex int) (status byte, position int32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, p, err := e.wireInquiry(axisIndex)
	if err != nil {
		return 0, 0, false
	}
	return s, p, true
}

// Slew drives the free-run slew state machine: direct issue when
// already within the low-speed band, ramped engagement toward ±4000
// once a request crosses the ramp threshold, and guiding-pulse
// blending on top of tracking when both are active.
func (e *Engine) Slew(axisIndex int, rate int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	axis := &e.axes[axisIndex]
	r := rate
	defer func() { axis.slewRate = r }()

	status, position, err := e.wireInquiry(axisIndex)
	if err != nil {
		return false
	}
	axis.status = status
	axis.position = position

	if status&StatusDisabled != 0 {
		if r == 0 && axis.trackingRate == 0 {
			return true
		}
		if !e.wireEnable(true) {
			return false
		}
	}

	if status&StatusSlewing == 0 {
		// Can't free-slew while a goto is running.
		return false
	}

	if axis.trackingRate == 0 || axis.slewRampActive || r > maxGuidingPulseRate || r < -maxGuidingPulseRate {
		switch {
		case r <= -slewRampThreshold:
			r = -maxSlewRate
		case r >= slewRampThreshold:
			r = maxSlewRate
		case !axis.slewRampActive && axis.rate > -slewRampThreshold && axis.rate < slewRampThreshold:
			return e.wireSlew(axisIndex, r)
		}
		axis.slewRampActive = true
		return true
	}

	newRate := axis.currentTrackingRate + r
	if newRate < 0 {
		newRate = 0
	}
	return e.wireSlew(axisIndex, newRate)
}

// Track sets the tracking-rate target for axis. rate's sign is
// ignored (forced non-negative).
func (e *Engine) Track(axisIndex int, rate int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rate < 0 {
		rate = -rate
	}
	axis := &e.axes[axisIndex]
	result := false
	defer func() {
		axis.trackingRate = rate
		axis.currentTrackingRate = rate
	}()

	status, position, err := e.wireInquiry(axisIndex)
	if err != nil {
		return false
	}
	axis.status = status
	axis.position = position

	if status&StatusDisabled != 0 {
		if rate != 0 {
			if !e.wireEnable(true) {
				return false
			}
		} else {
			return true
		}
	}

	if status&StatusSlewing != 0 && !axis.slewRampActive && axis.slewRate == 0 {
		result = e.wireSlew(axisIndex, rate)
	}
	return result
}

// GoTo starts a servo move to target. rate is accepted for call-site
// symmetry with slew/track but is not used: the wire rate is always
// forced to the minimum goto rate, and the manager ramps up from
// there on subsequent ticks.
func (e *Engine) GoTo(axisIndex int, rate int, target int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, position, err := e.wireInquiry(axisIndex)
	if err != nil {
		return false
	}
	if status&StatusDisabled != 0 {
		if !e.wireEnable(true) {
			return false
		}
	}
	if status&StatusSlewing == 0 {
		// Already mid-goto; don't restart it.
		return false
	}

	axis := &e.axes[axisIndex]
	axis.gotoStart = position
	axis.gotoTarget = target
	axis.gotoRate = minGotoRate
	axis.rate = 0
	return e.wireGoTo(axisIndex, axis.gotoRate, target)
}

// GetRate returns 0 if the axis is DISABLED, slewRate if SLEWING, else
// gotoRate*25.
func (e *Engine) GetRate(axisIndex int) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, position, err := e.wireInquiry(axisIndex)
	if err != nil {
		return 0, false
	}
	axis := &e.axes[axisIndex]
	axis.status = status
	axis.position = position

	if status&StatusDisabled != 0 {
		return 0, true
	}
	if status&StatusSlewing != 0 {
		return axis.slewRate, true
	}
	return axis.gotoRate * 25, true
}

// Cmd0F is an opaque passthrough; its semantics are undocumented.
func (e *Engine) Cmd0F(param uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := writeCommand(e.transport, encodeCmd0F(param))
	return err == nil
}

// Cmd10 is an opaque passthrough taking no axis parameter.
func (e *Engine) Cmd10() (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload, err := writeCommand(e.transport, encodeCmd10())
	if err != nil {
		return 0, false
	}
	v, err := decodeCmd10Response(payload)
	return v, err == nil
}

// Snapshot returns a read-only copy of both axes' state, for a status
// collaborator to poll.
func (e *Engine) Snapshot() [2]AxisSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out [2]AxisSnapshot
	for i := range e.axes {
		a := e.axes[i]
		out[i] = AxisSnapshot{
			Rate:                a.rate,
			SlewRate:            a.slewRate,
			SlewRampActive:      a.slewRampActive,
			TrackingRate:        a.trackingRate,
			CurrentTrackingRate: a.currentTrackingRate,
			Position:            a.position,
			Status:              a.status,
			GotoStart:           a.gotoStart,
			GotoTarget:          a.gotoTarget,
			GotoRate:            a.gotoRate,
		}
	}
	return out
}

func (e *Engine) wireEnable(on bool) bool {
	if err := e.transport.WriteFully(encodeEnable(on)); err != nil {
		e.log.Warn("enable command failed", zap.Bool("on", on), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) wireInquiry(axisIndex int) (byte, int32, error) {
	payload, err := writeCommand(e.transport, encodeInquiry(byte(axisIndex)))
	if err != nil {
		return 0, 0, err
	}
	return decodeInquiryResponse(payload)
}

func (e *Engine) wireSlew(axisIndex int, rate int) bool {
	e.axes[axisIndex].rate = rate
	_, err := writeCommand(e.transport, encodeSlew(byte(axisIndex), rate))
	if err != nil {
		e.log.Warn("slew command failed", zap.Int("axis", axisIndex), zap.Int("rate", rate), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) wireGoTo(axisIndex int, rate int, target int32) bool {
	_, err := writeCommand(e.transport, encodeGoTo(byte(axisIndex), rate, target))
	if err != nil {
		e.log.Warn("goto command failed", zap.Int("axis", axisIndex), zap.Int32("target", target), zap.Error(err))
		return false
	}
	return true
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

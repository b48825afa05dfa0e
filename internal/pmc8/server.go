// Package pmc8 implements the PMC8-compatible ASCII text protocol
// translator server: a single-client TCP listener that maps client
// requests onto mount-engine calls with step/rate scaling between the
// client's coordinate frame and the mount's native one.
package pmc8

import (
	"bufio"
	"math"
	"net"

	"go.uber.org/zap"

	"brexos2pmc8/internal/mount"
)

// Fixed unit-conversion ratios between client-frame and engine-frame
// steps and rates.
const (
	ratioR = 48.0 / 38.0
	ratioS = 5.0 / 38.0
)

// firmwareIdentification is the literal response to ESGv!.
const firmwareIdentification = "ESGvES6B10A0!"

// gotoRequestRate is the rate PMC8 gotos pass to Engine.GoTo, which
// ignores it: the goto goes out at the minimum goto rate and the
// manager ramps up from there.
const gotoRequestRate = 640

// axisState is the translator's per-axis bookkeeping, independent of
// and not shared with the engine's own axis state.
type axisState struct {
	direction byte
	target    int32
	offset    int32
}

// Server is the PMC8 translator: a single-connection-at-a-time TCP
// listener sitting in front of a mount.Engine.
type Server struct {
	listen string
	engine *mount.Engine
	log    *zap.Logger
	axes   [2]axisState
}

// New builds a translator server bound to listen, fronting engine.
func New(listen string, engine *mount.Engine, log *zap.Logger) *Server {
	return &Server{listen: listen, engine: engine, log: log}
}

// Run opens the listening socket and serves connections one at a
// time, forever, until the listener itself fails to start. A backlog
// of more than one connection is immaterial here: only one connection
// is ever actively read from, and the standard library does not expose
// a portable way to size the kernel backlog below its platform default.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	defer listener.Close()

	s.log.Info("pmc8: listening", zap.String("addr", s.listen))
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.log.Error("pmc8: accept failed", zap.Error(err))
			continue
		}
		s.log.Debug("pmc8: client connected", zap.String("remoteAddr", conn.RemoteAddr().String()))
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		frame, err := reader.ReadBytes('!')
		if err != nil {
			return
		}
		resp, ok := s.dispatch(frame)
		if !ok {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			s.log.Debug("pmc8: write failed, disconnecting", zap.Error(err))
			return
		}
	}
}

// dispatch parses one ES…! frame and returns the response to write, or
// ok=false for anything unrecognized or malformed, which is silently
// dropped rather than answered with an error frame.
func (s *Server) dispatch(frame []byte) ([]byte, bool) {
	if len(frame) < 5 || frame[0] != 'E' || frame[1] != 'S' {
		return nil, false
	}
	body := frame[2:]

	if string(frame) == "ESGv!" {
		return []byte(firmwareIdentification), true
	}
	if len(body) < 2 {
		return nil, false
	}

	switch string(body[:2]) {
	case "Gd":
		return s.handleGetDirection(body)
	case "Gp":
		return s.handleGetPosition(body)
	case "Gr":
		return s.handleGetRate(body)
	case "Sd":
		return s.handleSetDirection(body)
	case "Sp":
		return s.handleSetPosition(body)
	case "Sr":
		return s.handleSetRate(body)
	case "Pt":
		return s.handleGoTo(body)
	case "Tr":
		return s.handleTrack(body)
	default:
		return nil, false
	}
}

func parseAxis(digit byte) (int, bool) {
	a := parseHexDigit(digit)
	if a != mount.AxisRA && a != mount.AxisDEC {
		return 0, false
	}
	return a, true
}

// axisOrZero coerces digit to an axis index for mutating commands,
// which always respond even when the digit names neither axis; an
// unrecognized digit is treated as axis 0 rather than rejected.
func axisOrZero(digit byte) int {
	axis, ok := parseAxis(digit)
	if !ok {
		return mount.AxisRA
	}
	return axis
}

// ESGd<a>! -> ESGd<a><dir>!
func (s *Server) handleGetDirection(body []byte) ([]byte, bool) {
	if len(body) != 4 || body[3] != '!' {
		return nil, false
	}
	axis, ok := parseAxis(body[2])
	if !ok {
		return nil, false
	}
	dir := byte('0')
	if s.axes[axis].direction != 0 {
		dir = '1'
	}
	return []byte("ESGd" + string(body[2]) + string(dir) + "!"), true
}

// ESGp<a>! -> ESGp<a><pos>!, 6 hex digits.
func (s *Server) handleGetPosition(body []byte) ([]byte, bool) {
	if len(body) != 4 || body[3] != '!' {
		return nil, false
	}
	axis, ok := parseAxis(body[2])
	if !ok {
		return nil, false
	}
	_, position, ok := s.engine.Inquiry(axis)
	if !ok {
		return nil, false
	}
	clientPos := int32(math.Round(float64(position)*ratioR)) + s.axes[axis].offset
	return []byte("ESGp" + string(body[2]) + formatHex(uint32(clientPos)&0xFFFFFF, 6) + "!"), true
}

// ESGr<a>! -> ESGr<a><rate>!, 4 hex digits of |engine_rate * R|.
func (s *Server) handleGetRate(body []byte) ([]byte, bool) {
	if len(body) != 4 || body[3] != '!' {
		return nil, false
	}
	axis, ok := parseAxis(body[2])
	if !ok {
		return nil, false
	}
	rate, ok := s.engine.GetRate(axis)
	if !ok {
		return nil, false
	}
	clientRate := math.Round(float64(rate) * ratioR)
	if clientRate < 0 {
		clientRate = -clientRate
	}
	return []byte("ESGr" + string(body[2]) + formatHex(uint32(clientRate), 4) + "!"), true
}

// ESSd<a><d>! -> ESGd<a><d>!
func (s *Server) handleSetDirection(body []byte) ([]byte, bool) {
	if len(body) != 5 || body[4] != '!' {
		return nil, false
	}
	axis := axisOrZero(body[2])
	s.axes[axis].direction = byte(parseHexDigit(body[3]))
	return []byte("ESGd" + string(body[2]) + string(body[3]) + "!"), true
}

// ESSp<a><hex6>! -> ESGp<a><hex6>! (echo of the literal digits received)
func (s *Server) handleSetPosition(body []byte) ([]byte, bool) {
	if len(body) != 10 || body[9] != '!' {
		return nil, false
	}
	axis := axisOrZero(body[2])
	hex6 := body[3:9]
	pos := signExtend24(parseHex(string(hex6)))
	_, position, ok := s.engine.Inquiry(axis)
	if !ok {
		return nil, false
	}
	s.axes[axis].offset = pos - int32(math.Round(float64(position)*ratioR))
	return []byte("ESGp" + string(body[2]) + string(hex6) + "!"), true
}

// ESSr<a><hex4>! -> ESGr<a><hex4>!
func (s *Server) handleSetRate(body []byte) ([]byte, bool) {
	if len(body) != 8 || body[7] != '!' {
		return nil, false
	}
	axis := axisOrZero(body[2])
	hex4 := body[3:7]
	raw := parseHex(string(hex4))
	magnitude := math.Round(float64(raw) / ratioR * ratioS)
	if magnitude > maxSlewMagnitude {
		magnitude = maxSlewMagnitude
	}
	signed := int(magnitude)
	if s.axes[axis].direction == 0 {
		signed = -signed
	}
	s.engine.Slew(axis, signed)
	return []byte("ESGr" + string(body[2]) + string(hex4) + "!"), true
}

const maxSlewMagnitude = 4000

// ESPt<a><hex6>! -> ESGt<a><hex6>!
func (s *Server) handleGoTo(body []byte) ([]byte, bool) {
	if len(body) != 10 || body[9] != '!' {
		return nil, false
	}
	axis := axisOrZero(body[2])
	hex6 := body[3:9]
	target := signExtend24(parseHex(string(hex6)))
	s.axes[axis].target = target
	engineTarget := int32(math.Round(float64(target-s.axes[axis].offset) / ratioR))
	s.engine.GoTo(axis, gotoRequestRate, engineTarget)
	return []byte("ESGt" + string(body[2]) + string(hex6) + "!"), true
}

// ESTr<hex4>! -> ESGx<hex4>!
func (s *Server) handleTrack(body []byte) ([]byte, bool) {
	if len(body) != 7 || body[6] != '!' {
		return nil, false
	}
	hex4 := body[2:6]
	raw := parseHex(string(hex4))
	tr := math.Round(float64(raw) / 25.0 / ratioR * ratioS)
	if tr >= 0 && tr < 10 {
		s.engine.Slew(mount.AxisDEC, 0)
		s.engine.Track(mount.AxisRA, int(tr))
	}
	return []byte("ESGx" + string(hex4) + "!"), true
}

func parseHexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return 0
	}
}

func parseHex(s string) uint32 {
	var v uint32
	for i := 0; i < len(s); i++ {
		v = v<<4 | uint32(parseHexDigit(s[i]))
	}
	return v
}

func formatHex(v uint32, width int) string {
	const digits = "0123456789ABCDEF"
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf)
}

func signExtend24(v uint32) int32 {
	v &= 0xFFFFFF
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}

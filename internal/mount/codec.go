package mount

import "fmt"

// Every mount frame — request or response — begins with this 3-byte
// header, followed by a one-byte payload length, followed by the
// payload itself.
var frameHeader = [3]byte{0x55, 0xAA, 0x01}

// maxFrameLen bounds the scratch buffer used to read a response; no
// response the mount ever sends exceeds this.
const maxFrameLen = 16

// ErrBadHeader is returned when a response's first three bytes don't
// match the expected 55 AA 01 header.
var ErrBadHeader = fmt.Errorf("mount: bad frame header")

// ErrFrameTooLong is returned when a response's length byte claims more
// payload than the read buffer can hold.
var ErrFrameTooLong = fmt.Errorf("mount: frame too long")

// transport is the minimal I/O surface the codec needs; internal/
// serial.Port satisfies it, and tests substitute an in-memory fake.
type transport interface {
	WriteFully(data []byte) error
	ReadAtLeast(buf []byte, min int) (int, error)
}

// encodeFrame builds a full request frame: header + length byte +
// payload.
func encodeFrame(payload ...byte) []byte {
	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, frameHeader[:]...)
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	return frame
}

func encodeEnable(on bool) []byte {
	if on {
		return encodeFrame(0xFF)
	}
	return encodeFrame(0x00)
}

func encodeInquiry(axis byte) []byte {
	return encodeFrame(axis<<5 | 4)
}

// encodeSlew builds a slew command. rate is signed; its absolute value
// is clamped to maxSlewRate before it is written onto the wire.
func encodeSlew(axis byte, rate int) []byte {
	var direction byte
	magnitude := rate
	if rate > 0 {
		direction = 1
	} else {
		magnitude = -rate
	}
	if magnitude > maxSlewRate {
		magnitude = maxSlewRate
	}
	return encodeFrame(axis<<5|1, direction, byte(magnitude>>8), byte(magnitude))
}

// encodeGoTo builds a goto command. rate is always sent as a magnitude,
// negated first if negative; target is a 24-bit value truncated to its
// low three bytes, big-endian.
func encodeGoTo(axis byte, rate int, target int32) []byte {
	if rate < 0 {
		rate = -rate
	}
	t := uint32(target)
	return encodeFrame(axis<<5|2,
		byte(rate>>8), byte(rate),
		byte(t>>16), byte(t>>8), byte(t))
}

func encodeCmd0F(param uint16) []byte {
	return encodeFrame(0x0F, byte(param>>8), byte(param))
}

func encodeCmd10() []byte {
	return encodeFrame(0x10)
}

// readFrame reads at least 4 bytes, verifies the header, then reads
// the remaining len+4-alreadyRead bytes. It returns the payload (the
// bytes after the length byte).
func readFrame(t transport) ([]byte, error) {
	buf := make([]byte, maxFrameLen)
	numRead, err := t.ReadAtLeast(buf, 4)
	if err != nil {
		return nil, err
	}
	if buf[0] != frameHeader[0] || buf[1] != frameHeader[1] || buf[2] != frameHeader[2] {
		return nil, ErrBadHeader
	}
	payloadLen := int(buf[3])
	total := payloadLen + 4
	if total > len(buf) {
		return nil, ErrFrameTooLong
	}
	if remaining := total - numRead; remaining > 0 {
		if _, err := t.ReadAtLeast(buf[numRead:total], remaining); err != nil {
			return nil, err
		}
	}
	return buf[4:total], nil
}

// writeCommand writes cmd and blocks for a framed response.
func writeCommand(t transport, cmd []byte) ([]byte, error) {
	if err := t.WriteFully(cmd); err != nil {
		return nil, err
	}
	return readFrame(t)
}

// ErrInquiryShape is returned when an inquiry response doesn't carry
// the expected 5-byte payload.
var ErrInquiryShape = fmt.Errorf("mount: inquiry response has wrong shape")

// decodeInquiryResponse extracts status and the sign-extended 24-bit
// position count from an inquiry response payload. Payload layout:
// [unused][status][count hi][count mid][count lo].
func decodeInquiryResponse(payload []byte) (status byte, count int32, err error) {
	if len(payload) != 5 {
		return 0, 0, ErrInquiryShape
	}
	status = payload[1]
	count = int32(int8(payload[2]))
	count = (count << 8) | int32(payload[3])
	count = (count << 8) | int32(payload[4])
	return status, count, nil
}

// ErrCmd10Shape is returned when a cmd10 response doesn't carry the
// expected 3-byte payload.
var ErrCmd10Shape = fmt.Errorf("mount: cmd10 response has wrong shape")

// decodeCmd10Response extracts the two-byte big-endian parameter from a
// cmd10 response payload: [unused][param hi][param lo].
func decodeCmd10Response(payload []byte) (uint16, error) {
	if len(payload) != 3 {
		return 0, ErrCmd10Shape
	}
	return uint16(payload[1])<<8 | uint16(payload[2]), nil
}

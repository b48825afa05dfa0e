package mount

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	cases := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"enable-on", encodeEnable(true), []byte{0x55, 0xAA, 0x01, 0x01, 0xFF}},
		{"enable-off", encodeEnable(false), []byte{0x55, 0xAA, 0x01, 0x01, 0x00}},
		{"inquiry-ra", encodeInquiry(0), []byte{0x55, 0xAA, 0x01, 0x01, 0x04}},
		{"inquiry-dec", encodeInquiry(1), []byte{0x55, 0xAA, 0x01, 0x01, 0x24}},
		{"slew-positive", encodeSlew(0, 300), []byte{0x55, 0xAA, 0x01, 0x04, 0x01, 0x01, 0x01, 0x2C}},
		{"slew-negative", encodeSlew(0, -300), []byte{0x55, 0xAA, 0x01, 0x04, 0x01, 0x00, 0x01, 0x2C}},
		{"slew-clamped", encodeSlew(1, 9000), []byte{0x55, 0xAA, 0x01, 0x04, 0x21, 0x01, 0x0F, 0xA0}},
		{"goto", encodeGoTo(0, -640, 0x100000), []byte{0x55, 0xAA, 0x01, 0x06, 0x02, 0x02, 0x80, 0x10, 0x00, 0x00}},
		{"cmd0f", encodeCmd0F(0x1234), []byte{0x55, 0xAA, 0x01, 0x03, 0x0F, 0x12, 0x34}},
		{"cmd10", encodeCmd10(), []byte{0x55, 0xAA, 0x01, 0x01, 0x10}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.got)
		})
	}
}

type fakeTransport struct {
	writes   [][]byte
	response []byte
	readErr  error
	writeErr error
}

func (f *fakeTransport) WriteFully(data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) ReadAtLeast(buf []byte, min int) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := copy(buf, f.response)
	if n < min {
		return n, errors.New("fake: short read")
	}
	return n, nil
}

func TestReadFrameRoundTrip(t *testing.T) {
	ft := &fakeTransport{response: []byte{0x55, 0xAA, 0x01, 0x05, 0xAA, 0x04, 0xFF, 0xFE, 0x00}}
	payload, err := readFrame(ft)
	require.NoError(t, err)
	status, count, err := decodeInquiryResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), status)
	assert.Equal(t, int32(-512), count)
}

func TestReadFrameBadHeader(t *testing.T) {
	ft := &fakeTransport{response: []byte{0x00, 0xAA, 0x01, 0x00}}
	_, err := readFrame(ft)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestReadFrameTooLong(t *testing.T) {
	ft := &fakeTransport{response: []byte{0x55, 0xAA, 0x01, 0xFF}}
	_, err := readFrame(ft)
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestWriteCommandPropagatesWriteError(t *testing.T) {
	ft := &fakeTransport{writeErr: errors.New("boom")}
	_, err := writeCommand(ft, encodeInquiry(0))
	assert.Error(t, err)
}

func TestDecodeCmd10Response(t *testing.T) {
	v, err := decodeCmd10Response([]byte{0xAA, 0x12, 0x34})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	_, err = decodeCmd10Response([]byte{0xAA})
	assert.ErrorIs(t, err, ErrCmd10Shape)
}

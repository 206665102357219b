package capture

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNlaAlignRoundsUpToFour(t *testing.T) {
	assert.Equal(t, 0, nlaAlign(0))
	assert.Equal(t, 4, nlaAlign(1))
	assert.Equal(t, 4, nlaAlign(4))
	assert.Equal(t, 8, nlaAlign(5))
}

func TestPutAttrHeaderAndPadding(t *testing.T) {
	var buf bytes.Buffer
	putAttr(&buf, 7, []byte{0x01, 0x02, 0x03})

	got := buf.Bytes()
	assert.Len(t, got, 4+nlaAlign(3))
	assert.EqualValues(t, 4+3, binary.NativeEndian.Uint16(got[0:2]))
	assert.EqualValues(t, 7, binary.NativeEndian.Uint16(got[2:4]))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got[4:7])
}

func TestParseNfqueuePacketRoundTrip(t *testing.T) {
	const packetID = 0xABCD1234
	payload := []byte{0x45, 0x00, 0x00, 0x1c}

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], packetID)

	var attrs bytes.Buffer
	putAttr(&attrs, nfqaPacketHdr, hdr)
	putAttr(&attrs, nfqaPayload, payload)

	msg := buildNlMsg(nfnlMsgType(nfnlSubsysQueue, nfqnlMsgPacket), nlmF_Request, 1, 2 /* AF_INET */, 9, attrs.Bytes())

	gotID, gotPayload, ok := parseNfqueuePacket(msg)
	assert.True(t, ok)
	assert.EqualValues(t, packetID, gotID)
	assert.Equal(t, payload, gotPayload)
}

func TestParseNfqueuePacketRejectsWrongType(t *testing.T) {
	msg := buildNlMsg(nfnlMsgType(nfnlSubsysQueue, nfqnlMsgVerdict), nlmF_Request, 1, 2, 9, nil)
	_, _, ok := parseNfqueuePacket(msg)
	assert.False(t, ok)
}

func TestParseNfqueuePacketRejectsTruncated(t *testing.T) {
	_, _, ok := parseNfqueuePacket([]byte{0x01, 0x02})
	assert.False(t, ok)
}

package sioengine

import (
	"bytes"
	"strings"
	"testing"
)

func encodeToString(t *testing.T, c *Codec, p *Packet) string {
	t.Helper()
	frames, err := c.Encode(p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected a single text frame, got %d frames", len(frames))
	}
	return string(frames[0].Data)
}

func uintPtr(v uint64) *uint64 {
	return &v
}

func TestEncodeDefaultPacket(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{Type: PacketTypeEvent})
	if got != "2" {
		t.Errorf("expected %q, got %q", "2", got)
	}
}

func TestDecodeDefaultPacket(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte("2"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Type != PacketTypeEvent || pkt.Data != nil || pkt.ID != nil {
		t.Errorf("unexpected packet: %+v", pkt)
	}
	if pkt.Namespace != "/" {
		t.Errorf("expected default namespace, got %q", pkt.Namespace)
	}
}

func TestEncodeDecodeTextEvent(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{Type: PacketTypeEvent, Data: []any{"foo"}})
	if got != `2["foo"]` {
		t.Errorf("expected %q, got %q", `2["foo"]`, got)
	}

	pkt, err := c.Decode([]byte(`2["foo"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if reencoded := encodeToString(t, c, pkt); reencoded != `2["foo"]` {
		t.Errorf("round trip produced %q", reencoded)
	}
}

func TestDecodeEmptyDisconnect(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte("1"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Type != PacketTypeDisconnect {
		t.Errorf("expected disconnect, got %v", pkt.Type)
	}
}

func TestEncodeBinaryEvent(t *testing.T) {
	c := NewCodec(nil)
	frames, err := c.Encode(&Packet{Type: PacketTypeEvent, Data: []byte("1234")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	text := string(frames[0].Data)
	if text != `51-{"_placeholder":true,"num":0}` && text != `51-{"num":0,"_placeholder":true}` {
		t.Errorf("unexpected text frame %q", text)
	}
	if !frames[1].Binary || !bytes.Equal(frames[1].Data, []byte("1234")) {
		t.Errorf("unexpected binary frame %+v", frames[1])
	}
}

func TestDecodeBinaryEvent(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte(`51-{"_placeholder":true,"num":0}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !pkt.NeedsAttachments() {
		t.Fatal("expected packet to need attachments")
	}
	done, err := pkt.AddAttachment([]byte("1234"))
	if err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if !done {
		t.Fatal("expected reassembly to complete")
	}
	if !bytes.Equal(pkt.Data.([]byte), []byte("1234")) {
		t.Errorf("unexpected data %v", pkt.Data)
	}
}

func TestEncodeBinaryAck(t *testing.T) {
	c := NewCodec(nil)
	frames, err := c.Encode(&Packet{Type: PacketTypeAck, Data: []byte("1234")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasPrefix(string(frames[0].Data), "61-") {
		t.Errorf("expected binary ack promotion, got %q", frames[0].Data)
	}
}

func TestBinaryDataOnWrongType(t *testing.T) {
	c := NewCodec(nil)
	_, err := c.Encode(&Packet{Type: PacketTypeConnectError, Data: []byte("123")})
	if !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestEncodeDecodeNamespace(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{
		Type: PacketTypeEvent, Data: []any{"foo"}, Namespace: "/bar",
	})
	if got != `2/bar,["foo"]` {
		t.Errorf("expected %q, got %q", `2/bar,["foo"]`, got)
	}

	pkt, err := c.Decode([]byte(`2/bar,["foo"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Namespace != "/bar" {
		t.Errorf("expected /bar, got %q", pkt.Namespace)
	}
}

func TestDecodeNamespaceWithQueryString(t *testing.T) {
	// some clients mistakenly attach the query string to the namespace
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte(`2/bar?a=b,["foo"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Namespace != "/bar" {
		t.Errorf("expected /bar, got %q", pkt.Namespace)
	}
	if reencoded := encodeToString(t, c, pkt); reencoded != `2/bar,["foo"]` {
		t.Errorf("round trip produced %q", reencoded)
	}
}

func TestEncodeNamespaceNoData(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{Type: PacketTypeEvent, Namespace: "/bar"})
	if got != "2/bar," {
		t.Errorf("expected %q, got %q", "2/bar,", got)
	}

	pkt, err := c.Decode([]byte("2/bar,"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Namespace != "/bar" || pkt.Data != nil {
		t.Errorf("unexpected packet: %+v", pkt)
	}
}

func TestNamespaceWithHyphens(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{
		Type: PacketTypeEvent, Data: []any{"foo"}, Namespace: "/b-a-r",
	})
	if got != `2/b-a-r,["foo"]` {
		t.Errorf("expected %q, got %q", `2/b-a-r,["foo"]`, got)
	}
	pkt, err := c.Decode([]byte(`2/b-a-r,["foo"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Namespace != "/b-a-r" {
		t.Errorf("expected /b-a-r, got %q", pkt.Namespace)
	}
}

func TestEncodeDecodeAckID(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{
		Type: PacketTypeEvent, Data: []any{"foo"}, ID: uintPtr(123),
	})
	if got != `2123["foo"]` {
		t.Errorf("expected %q, got %q", `2123["foo"]`, got)
	}

	pkt, err := c.Decode([]byte(`2123["foo"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.ID == nil || *pkt.ID != 123 {
		t.Errorf("unexpected id %v", pkt.ID)
	}
}

func TestDecodeAckIDNoData(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte("2123"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.ID == nil || *pkt.ID != 123 || pkt.Data != nil {
		t.Errorf("unexpected packet: %+v", pkt)
	}
}

func TestDecodeAckIDTooLong(t *testing.T) {
	c := NewCodec(nil)
	frame := "2" + strings.Repeat("1", maxAckIDDigits+1)
	if _, err := c.Decode([]byte(frame)); !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
	if _, err := c.Decode([]byte(frame + `["foo"]`)); !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestEncodeDecodeNamespaceAndID(t *testing.T) {
	c := NewCodec(nil)
	got := encodeToString(t, c, &Packet{
		Type: PacketTypeEvent, Data: []any{"foo"}, Namespace: "/bar", ID: uintPtr(123),
	})
	if got != `2/bar,123["foo"]` {
		t.Errorf("expected %q, got %q", `2/bar,123["foo"]`, got)
	}
	pkt, err := c.Decode([]byte(`2/bar,123["foo"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.Namespace != "/bar" || pkt.ID == nil || *pkt.ID != 123 {
		t.Errorf("unexpected packet: %+v", pkt)
	}
}

func TestEncodeManyBinary(t *testing.T) {
	c := NewCodec(nil)
	frames, err := c.Encode(&Packet{
		Type: PacketTypeEvent,
		Data: map[string]any{"a": "123", "b": []byte("456"), "c": []any{[]byte("789"), 123}},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if !strings.HasPrefix(string(frames[0].Data), "52-") {
		t.Errorf("expected 2-attachment prefix, got %q", frames[0].Data)
	}
	if !bytes.Equal(frames[1].Data, []byte("456")) || !bytes.Equal(frames[2].Data, []byte("789")) {
		t.Errorf("attachments out of discovery order: %q %q", frames[1].Data, frames[2].Data)
	}
}

func TestDecodeManyBinary(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte(
		`52-{"a":"123","b":{"_placeholder":true,"num":0},"c":[{"_placeholder":true,"num":1},123]}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	done, err := pkt.AddAttachment([]byte("456"))
	if err != nil || done {
		t.Fatalf("first attachment: done=%v err=%v", done, err)
	}
	done, err = pkt.AddAttachment([]byte("789"))
	if err != nil || !done {
		t.Fatalf("second attachment: done=%v err=%v", done, err)
	}

	data := pkt.Data.(map[string]any)
	if data["a"] != "123" {
		t.Errorf("unexpected a: %v", data["a"])
	}
	if !bytes.Equal(data["b"].([]byte), []byte("456")) {
		t.Errorf("unexpected b: %v", data["b"])
	}
	inner := data["c"].([]any)
	if !bytes.Equal(inner[0].([]byte), []byte("789")) {
		t.Errorf("unexpected c[0]: %v", inner[0])
	}
}

func TestDecodeTooManyAttachments(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte(`51-{"_placeholder":true,"num":0}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, err := pkt.AddAttachment([]byte("456")); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if _, err := pkt.AddAttachment([]byte("789")); !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestDecodeAttachmentCountTooLong(t *testing.T) {
	c := NewCodec(nil)
	frame := "6" + strings.Repeat("1", maxAttachmentDigits+1) + `-{"a":"123"}`
	if _, err := c.Decode([]byte(frame)); !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestDecodeDashInPayload(t *testing.T) {
	c := NewCodec(nil)
	pkt, err := c.Decode([]byte(`6{"a":"0123456789-"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkt.AttachmentCount() != 0 {
		t.Errorf("expected no attachments, got %d", pkt.AttachmentCount())
	}
	if pkt.Data.(map[string]any)["a"] != "0123456789-" {
		t.Errorf("unexpected data: %v", pkt.Data)
	}
}

func TestDecodeInvalidPacketType(t *testing.T) {
	c := NewCodec(nil)
	if _, err := c.Decode([]byte("9")); !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
	if _, err := c.Decode([]byte("")); !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestDeconstructReconstructRoundTrip(t *testing.T) {
	datas := []any{
		[]byte("foo"),
		[]any{[]byte("foo"), []byte("bar")},
		[]any{"foo", []byte("bar")},
		map[string]any{"foo": []byte("bar")},
		map[string]any{"foo": "bar", "baz": []byte("qux")},
		map[string]any{"foo": []any{[]byte("bar")}},
	}
	for _, data := range datas {
		plain, attachments := deconstructBinary(data)
		if hasBinary(plain) {
			t.Errorf("deconstructed data still has binary: %v", plain)
		}
		restored := reconstructBinary(plain, attachments)
		if !equalData(data, restored) {
			t.Errorf("round trip mismatch: %v != %v", data, restored)
		}
	}
}

func equalData(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalData(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k := range av {
			if !equalData(av[k], bv[k]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func TestHasBinary(t *testing.T) {
	cases := []struct {
		data any
		want bool
	}{
		{[]any{"foo"}, false},
		{[]any{}, false},
		{[]any{[]byte("foo")}, true},
		{[]any{"foo", []byte("bar")}, true},
		{map[string]any{"a": "foo"}, false},
		{map[string]any{}, false},
		{map[string]any{"a": []byte("foo")}, true},
		{map[string]any{"a": "foo", "b": []byte("bar")}, true},
		{"foo", false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := hasBinary(tc.data); got != tc.want {
			t.Errorf("hasBinary(%v) = %v, want %v", tc.data, got, tc.want)
		}
	}
}

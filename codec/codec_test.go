package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"mini-jsonrpc/message"
)

func allCodecs() []Codec {
	return []Codec{&JSONCodec{}, NewMsgpackCodec()}
}

func TestCodecRequestRoundTrip(t *testing.T) {
	for _, c := range allCodecs() {
		req, err := message.NewRequest(message.NumberID(9007199254740993), "Arith.Add", map[string]int{"a": 1, "b": 2})
		if err != nil {
			t.Fatal(err)
		}

		data, err := c.Encode(message.Single(req))
		if err != nil {
			t.Fatalf("%v Encode failed: %v", c.Type(), err)
		}
		p, err := c.Decode(data)
		if err != nil {
			t.Fatalf("%v Decode failed: %v", c.Type(), err)
		}
		if p.Batch || len(p.Messages) != 1 {
			t.Fatalf("%v: expect single message, got %+v", c.Type(), p)
		}

		got := p.Messages[0]
		if got.Kind() != message.KindRequest {
			t.Fatalf("%v: expect request, got %v", c.Type(), got.Kind())
		}
		if got.ID != req.ID {
			t.Errorf("%v: id mismatch: got %s, want %s", c.Type(), got.ID, req.ID)
		}
		if got.Method != "Arith.Add" {
			t.Errorf("%v: method mismatch: got %s", c.Type(), got.Method)
		}
		var args map[string]int
		if err := got.UnmarshalParams(&args); err != nil || args["a"] != 1 || args["b"] != 2 {
			t.Errorf("%v: params mismatch: %s (%v)", c.Type(), got.Params, err)
		}
	}
}

func TestCodecResponsesAndErrors(t *testing.T) {
	for _, c := range allCodecs() {
		ok, _ := message.NewResponse(message.StringID("abc"), []int{1, 2, 3})
		nullResult, _ := message.NewResponse(message.NumberID(2), nil)
		failed := message.NewErrorResponse(message.NullID(), message.NewError(-32000, "boom", map[string]string{"k": "v"}))
		note, _ := message.NewNotification("log", []string{"hello"})

		data, err := c.Encode(message.NewBatch(ok, nullResult, failed, note))
		if err != nil {
			t.Fatalf("%v Encode failed: %v", c.Type(), err)
		}
		p, err := c.Decode(data)
		if err != nil {
			t.Fatalf("%v Decode failed: %v", c.Type(), err)
		}
		if !p.Batch || len(p.Messages) != 4 {
			t.Fatalf("%v: expect batch of 4, got %d", c.Type(), len(p.Messages))
		}

		var nums []int
		if err := p.Messages[0].UnmarshalResult(&nums); err != nil || len(nums) != 3 {
			t.Errorf("%v: result mismatch: %s", c.Type(), p.Messages[0].Result)
		}
		if p.Messages[1].Kind() != message.KindResponse || string(p.Messages[1].Result) != "null" {
			t.Errorf("%v: expect null result, got %s", c.Type(), p.Messages[1].Result)
		}
		e := p.Messages[2].Error
		if e == nil || e.Code != -32000 || e.Message != "boom" || !p.Messages[2].ID.IsNull() {
			t.Errorf("%v: error mismatch: %+v", c.Type(), p.Messages[2])
		}
		var data2 map[string]string
		if err := e.UnmarshalData(&data2); err != nil || data2["k"] != "v" {
			t.Errorf("%v: error data mismatch: %s", c.Type(), e.Data)
		}
		if p.Messages[3].Kind() != message.KindNotification || p.Messages[3].ID.IsSet() {
			t.Errorf("%v: expect notification, got %+v", c.Type(), p.Messages[3])
		}
	}
}

func TestJSONDecodeClassification(t *testing.T) {
	c := &JSONCodec{}
	cases := []struct {
		name string
		in   string
		kind message.Kind
		code int
	}{
		{"request", `{"jsonrpc":"2.0","method":"subtract","params":[42,23],"id":1}`, message.KindRequest, 0},
		{"notification", `{"jsonrpc":"2.0","method":"update","params":[1,2,3]}`, message.KindNotification, 0},
		{"null params", `{"jsonrpc":"2.0","method":"ping","params":null,"id":"x"}`, message.KindRequest, 0},
		{"scalar params", `{"jsonrpc":"2.0","method":"foobar","params":"bar","id":1}`, message.KindInvalid, message.CodeInvalidRequest},
		{"method not string", `{"jsonrpc":"2.0","method":1,"params":"bar"}`, message.KindInvalid, message.CodeInvalidRequest},
		{"fractional id", `{"jsonrpc":"2.0","method":"a","id":1.5}`, message.KindInvalid, message.CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","method":"a","id":1}`, message.KindInvalid, message.CodeInvalidRequest},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"x"}}`, message.KindInvalid, message.CodeInvalidRequest},
		{"empty object", `{}`, message.KindInvalid, message.CodeInvalidRequest},
		{"scalar", `1`, message.KindInvalid, message.CodeInvalidRequest},
	}
	for _, tc := range cases {
		p, err := c.Decode([]byte(tc.in))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		m := p.Messages[0]
		if m.Kind() != tc.kind {
			t.Errorf("%s: expect %v, got %v", tc.name, tc.kind, m.Kind())
		}
		if tc.code != 0 && (m.Invalid == nil || m.Invalid.Code != tc.code) {
			t.Errorf("%s: expect code %d, got %+v", tc.name, tc.code, m.Invalid)
		}
	}
}

func TestJSONDecodeInvalidKeepsID(t *testing.T) {
	p, err := (&JSONCodec{}).Decode([]byte(`{"jsonrpc":"2.0","params":[1],"id":"q1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Messages[0].ID != message.StringID("q1") {
		t.Fatalf("expect id to survive, got %s", p.Messages[0].ID)
	}
}

func TestJSONDecodeParseErrors(t *testing.T) {
	c := &JSONCodec{}
	for _, in := range []string{
		`{"jsonrpc":"2.0","method":"foobar,"params":"bar","baz]`,
		`[{"jsonrpc":"2.0","method":"sum","params":[1,2,4],"id":"1"},{"jsonrpc":"2.0","method"]`,
		``,
	} {
		_, err := c.Decode([]byte(in))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("%q: expect ParseError, got %v", in, err)
		}
	}

	if _, err := c.Decode([]byte(`[]`)); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expect ErrEmptyBatch, got %v", err)
	}
}

func TestJSONDecodeMixedBatch(t *testing.T) {
	p, err := (&JSONCodec{}).Decode([]byte(`[1,{"jsonrpc":"2.0","method":"notify_hello","params":[7]},2]`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Batch || len(p.Messages) != 3 {
		t.Fatalf("expect 3 elements, got %d", len(p.Messages))
	}
	if p.Messages[0].Kind() != message.KindInvalid || p.Messages[2].Kind() != message.KindInvalid {
		t.Fatal("scalar elements must be invalid")
	}
	if p.Messages[1].Kind() != message.KindNotification {
		t.Fatalf("expect notification, got %v", p.Messages[1].Kind())
	}
}

func TestExtractID(t *testing.T) {
	c := &JSONCodec{}
	id := c.ExtractID([]byte(`{"jsonrpc":"2.0","id":42,"method":"x","params":[1,`))
	if id != message.NumberID(42) {
		t.Fatalf("expect 42, got %s", id)
	}
	if id := c.ExtractID([]byte(`{"method":"x","params":{"a":`)); !id.IsNull() {
		t.Fatalf("expect null id, got %s", id)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	for _, c := range allCodecs() {
		if _, err := c.Encode(message.Single(&message.Message{ID: message.NumberID(1)})); err == nil {
			t.Errorf("%v: expect error for shapeless message", c.Type())
		}
	}
}

func TestJSONEncodeShape(t *testing.T) {
	req, _ := message.NewRequest(message.NumberID(1), "sum", []int{1, 2})
	data, err := (&JSONCodec{}).Encode(message.Single(req))
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("encoded form is not JSON: %s", data)
	}
	if string(generic["jsonrpc"]) != `"2.0"` || string(generic["id"]) != "1" || string(generic["params"]) != "[1,2]" {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, err := ParseCodecType("MsgPack"); err != nil || ct != CodecTypeMsgpack {
		t.Fatalf("expect msgpack, got %v (%v)", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Fatal("GetCodec returned wrong codec")
	}
}

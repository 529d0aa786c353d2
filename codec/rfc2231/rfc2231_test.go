package rfc2231

import "testing"

func TestDecodeSimpleParam(t *testing.T) {
	params, err := Decode(map[string]string{"charset": "us-ascii"})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(params) != 1 || params[0].Name != "charset" || params[0].Value != "us-ascii" {
		t.Errorf("unexpected params: %#v", params)
	}
}

func TestDecodeContinuation(t *testing.T) {
	raw := map[string]string{
		"filename*0": "Hello",
		"filename*1": "World.txt",
	}
	params, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(params) != 1 || params[0].Value != "HelloWorld.txt" {
		t.Errorf("unexpected params: %#v", params)
	}
}

func TestDecodeExtendedValueWithCharset(t *testing.T) {
	raw := map[string]string{
		"filename*": "utf-8''%e2%82%ac%20rates.txt",
	}
	params, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	want := "€ rates.txt"
	if len(params) != 1 || params[0].Value != want {
		t.Errorf("Decode = %#v, want value %q", params, want)
	}
}

func TestDecodeExtendedContinuation(t *testing.T) {
	raw := map[string]string{
		"filename*0*": "utf-8''%e2%82%ac",
		"filename*1*": "%20rates.txt",
	}
	params, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	want := "€ rates.txt"
	if len(params) != 1 || params[0].Value != want {
		t.Errorf("Decode = %#v, want value %q", params, want)
	}
}

func TestDecodeMalformedExtendedValue(t *testing.T) {
	raw := map[string]string{"filename*": "no-quotes-here"}
	if _, err := Decode(raw); err == nil {
		t.Error("expected error for malformed extended value")
	}
}

func TestEncodeASCIIPassthrough(t *testing.T) {
	out := Encode("charset", "us-ascii")
	if v, ok := out["charset"]; !ok || v != "us-ascii" {
		t.Errorf("Encode = %#v", out)
	}
}

func TestEncodeNonASCIIUsesExtendedForm(t *testing.T) {
	out := Encode("filename", "€ rates.txt")
	v, ok := out["filename*"]
	if !ok {
		t.Fatalf("expected filename* key, got %#v", out)
	}
	if v[:7] != "utf-8''" {
		t.Errorf("Encode missing utf-8'' prefix: %q", v)
	}

	decoded, err := Decode(out)
	if err != nil {
		t.Fatalf("round-trip decode error: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Value != "€ rates.txt" {
		t.Errorf("round trip mismatch: %#v", decoded)
	}
}

func TestEncodeLongValueSplitsIntoContinuations(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "€uro-denominated-invoice-attachment-"
	}
	out := Encode("filename", long)
	if _, ok := out["filename*0*"]; !ok {
		t.Fatalf("expected continuation segments, got %#v", out)
	}

	decoded, err := Decode(out)
	if err != nil {
		t.Fatalf("round-trip decode error: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Value != long {
		t.Errorf("round trip mismatch: got %q, want %q", decoded[0].Value, long)
	}
}

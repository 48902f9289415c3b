package compression

import (
	"bytes"
	"testing"
)

func TestCodecs(t *testing.T) {
	src := bytes.Repeat([]byte("user:1=A;user:2=B;user:3=C;"), 200)

	for _, c := range []Codec{None, Snappy, S2, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			enc, err := Encode(c, nil, src)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if c != None && len(enc) >= len(src) {
				t.Fatalf("expected repetitive input to shrink, %d -> %d", len(src), len(enc))
			}
			dec, err := Decode(c, nil, enc)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !bytes.Equal(dec, src) {
				t.Fatal("decoded block differs from input")
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	garbage := []byte{0xff, 0xfe, 0xfd, 0xfc, 0x01}
	for _, c := range []Codec{Snappy, S2, Zstd} {
		if _, err := Decode(c, nil, garbage); err == nil {
			t.Fatalf("%s: expected error decoding garbage", c)
		}
	}
}

func TestParseCodec(t *testing.T) {
	cases := map[string]Codec{"": None, "none": None, "Snappy": Snappy, "s2": S2, " zstd ": Zstd}
	for in, want := range cases {
		got, err := ParseCodec(in)
		if err != nil || got != want {
			t.Fatalf("ParseCodec(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCodec("lz4"); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
	if Codec(9).Valid() {
		t.Fatal("codec 9 must be invalid")
	}
}

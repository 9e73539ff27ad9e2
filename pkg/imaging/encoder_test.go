package imaging

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func validParams() Params {
	return Params{Quality: 50, Speed: 4, Chroma: 420}
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{"defaults", func(p *Params) {}, true},
		{"quality low", func(p *Params) { p.Quality = 0 }, false},
		{"quality high", func(p *Params) { p.Quality = 101 }, false},
		{"speed low", func(p *Params) { p.Speed = 0 }, false},
		{"speed high", func(p *Params) { p.Speed = 11 }, false},
		{"chroma 422", func(p *Params) { p.Chroma = 422 }, true},
		{"chroma 444", func(p *Params) { p.Chroma = 444 }, true},
		{"chroma bogus", func(p *Params) { p.Chroma = 421 }, false},
		{"negative cap", func(p *Params) { p.MaxWidth = -1 }, false},
		{"negative bypass", func(p *Params) { p.BypassAboveBytes = -1 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			err := p.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFitWithin(t *testing.T) {
	cases := []struct {
		name         string
		maxW, maxH   int
		w, h         int
		wantW, wantH int
		wantResize   bool
	}{
		{"no caps", 0, 0, 4000, 3000, 4000, 3000, false},
		{"one cap only", 2560, 0, 4000, 3000, 4000, 3000, false},
		{"under caps", 2560, 1440, 1920, 1080, 1920, 1080, false},
		{"width limited", 2000, 2000, 4000, 1000, 2000, 500, true},
		{"height limited", 2000, 2000, 1000, 4000, 500, 2000, true},
		{"both exceed", 2560, 1440, 5120, 2880, 2560, 1440, true},
		{"exact fit untouched", 2560, 1440, 2560, 1440, 2560, 1440, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			p.MaxWidth, p.MaxHeight = tc.maxW, tc.maxH
			w, h, resized := p.fitWithin(tc.w, tc.h)
			if resized != tc.wantResize {
				t.Fatalf("resize = %v, want %v", resized, tc.wantResize)
			}
			if w != tc.wantW || h != tc.wantH {
				t.Errorf("got %dx%d, want %dx%d", w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestNewEncoderRejectsBadParams(t *testing.T) {
	if _, err := NewEncoder(Params{}); err == nil {
		t.Error("expected error for zero params")
	}
}

func TestEncodeUnreadable(t *testing.T) {
	enc, err := NewEncoder(validParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestEncodeUndecodable(t *testing.T) {
	enc, err := NewEncoder(validParams())
	if err != nil {
		t.Fatal(err)
	}
	// Valid PNG signature, truncated body.
	p := filepath.Join(t.TempDir(), "corrupt.png")
	data := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 13}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(p); err == nil {
		t.Error("expected error for truncated png")
	}
}

func TestEncodeBypass(t *testing.T) {
	params := validParams()
	params.BypassAboveBytes = 16
	enc, err := NewEncoder(params)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "big.jpg")
	payload := bytes.Repeat([]byte{0xAB}, 64)
	if err := os.WriteFile(p, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := enc.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("bypass should return the original bytes unchanged")
	}
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := img.PixOffset(x, y)
			img.Pix[idx+0] = uint8((x + y) % 256)
			img.Pix[idx+1] = uint8((x * 2) % 256)
			img.Pix[idx+2] = uint8((y * 2) % 256)
			img.Pix[idx+3] = 0xFF
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	enc, err := NewEncoder(validParams())
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "src.png")
	writeTestPNG(t, p, 200, 120)

	out, err := enc.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("empty output")
	}
	if Sniff(out) != FormatHeic {
		t.Error("output does not sniff as HEIC")
	}
	w, h, err := DecodeDimensions(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if w != 200 || h != 120 {
		t.Errorf("round trip dimensions %dx%d, want 200x120", w, h)
	}
}

func TestEncodeResizes(t *testing.T) {
	params := validParams()
	params.MaxWidth, params.MaxHeight = 100, 100
	enc, err := NewEncoder(params)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "src.png")
	writeTestPNG(t, p, 400, 200)

	out, err := enc.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	w, h, err := DecodeDimensions(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if w != 100 || h != 50 {
		t.Errorf("scaled dimensions %dx%d, want 100x50", w, h)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc, err := NewEncoder(validParams())
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "src.png")
	writeTestPNG(t, p, 160, 160)

	first, err := enc.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := enc.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same input and params must produce identical output")
	}
}

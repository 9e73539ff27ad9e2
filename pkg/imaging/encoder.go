package imaging

import (
	"bytes"
	"fmt"
	"image"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/strukturag/libheif/go/heif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ticpu/heicfs/pkg/xerrors"
)

// losslessQuality is the quality level at and above which the encoder
// switches to lossless mode.
const losslessQuality = 95

// Params are the encoder knobs. They are process configuration: the
// artifact key does not include them, so changing any of them requires
// an operator cache purge.
type Params struct {
	Quality int // 1..100
	Speed   int // 1..10
	Chroma  int // 420, 422, or 444

	// MaxWidth/MaxHeight cap output dimensions. Both must be set to
	// enable the proportional downscale.
	MaxWidth  int
	MaxHeight int

	// BypassAboveBytes skips encoding for sources larger than this
	// many bytes and returns the original blob. 0 disables the bypass.
	BypassAboveBytes int64
}

// Validate checks every knob range.
func (p Params) Validate() error {
	if p.Quality < 1 || p.Quality > 100 {
		return fmt.Errorf("quality %d out of range 1..100", p.Quality)
	}
	if p.Speed < 1 || p.Speed > 10 {
		return fmt.Errorf("speed %d out of range 1..10", p.Speed)
	}
	switch p.Chroma {
	case 420, 422, 444:
	default:
		return fmt.Errorf("chroma %d must be 420, 422 or 444", p.Chroma)
	}
	if p.MaxWidth < 0 || p.MaxHeight < 0 {
		return fmt.Errorf("max dimensions must not be negative")
	}
	if p.BypassAboveBytes < 0 {
		return fmt.Errorf("bypass threshold must not be negative")
	}
	return nil
}

// fitWithin returns the target dimensions for a proportional downscale,
// or ok=false when no resize applies. Resizing only happens when both
// caps are configured and at least one axis exceeds its cap.
func (p Params) fitWithin(w, h int) (int, int, bool) {
	if p.MaxWidth <= 0 || p.MaxHeight <= 0 {
		return w, h, false
	}
	if w <= p.MaxWidth && h <= p.MaxHeight {
		return w, h, false
	}
	wr := float64(p.MaxWidth) / float64(w)
	hr := float64(p.MaxHeight) / float64(h)
	r := wr
	if hr < r {
		r = hr
	}
	nw := int(float64(w) * r)
	nh := int(float64(h) * r)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh, true
}

// Encoder converts source images to single-primary-image HEIC blobs.
type Encoder struct {
	params Params
}

// NewEncoder validates params and returns an encoder.
func NewEncoder(params Params) (*Encoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Encoder{params: params}, nil
}

// Params returns the encoder configuration.
func (e *Encoder) Params() Params { return e.params }

// Encode reads the source at realPath, decodes it, applies the optional
// downscale and returns the HEIC-encoded bytes. Output is deterministic
// for fixed params and input bytes within one libheif version.
func (e *Encoder) Encode(realPath string) ([]byte, error) {
	data, err := os.ReadFile(realPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnreadable, "encode.read", realPath, err)
	}
	if e.params.BypassAboveBytes > 0 && int64(len(data)) > e.params.BypassAboveBytes {
		return data, nil
	}

	img, err := e.decode(realPath, data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, xerrors.E(xerrors.KindUnsupported, "encode.decode", realPath)
	}

	rgba := toRGBA(img)
	if nw, nh, ok := e.params.fitWithin(bounds.Dx(), bounds.Dy()); ok {
		scaled := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), rgba, rgba.Bounds(), draw.Over, nil)
		rgba = scaled
	}

	out, err := e.encodeHeic(rgba)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindEncoderFailed, "encode.heif", realPath, err)
	}
	return out, nil
}

// decode picks the HEIC decoder for HEIC inputs, the generic registered
// decoders for everything else.
func (e *Encoder) decode(realPath string, data []byte) (image.Image, error) {
	if Sniff(data) == FormatHeic {
		img, err := decodeHeic(data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindUndecodable, "encode.decode", realPath, err)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUndecodable, "encode.decode", realPath, err)
	}
	return img, nil
}

// decodeHeic decodes via libheif into interleaved RGB.
func decodeHeic(data []byte) (image.Image, error) {
	ctx, err := heif.NewContext()
	if err != nil {
		return nil, err
	}
	if err := ctx.ReadFromMemory(data); err != nil {
		return nil, err
	}
	handle, err := ctx.GetPrimaryImageHandle()
	if err != nil {
		return nil, err
	}
	decoded, err := handle.DecodeImage(heif.ColorspaceRGB, heif.ChromaInterleavedRGB, nil)
	if err != nil {
		return nil, err
	}
	return decoded.GetImage()
}

// encodeHeic runs the HEVC encoder and returns the container bytes.
// TODO: forward params.Speed and params.Chroma once the libheif Go
// bindings expose encoder parameters; until then the bindings pin the
// preset and subsampling and only quality/lossless are applied.
func (e *Encoder) encodeHeic(img image.Image) ([]byte, error) {
	lossless := heif.LosslessModeDisabled
	if e.params.Quality >= losslessQuality {
		lossless = heif.LosslessModeEnabled
	}
	ctx, err := heif.EncodeFromImage(img, heif.CompressionHEVC, e.params.Quality, lossless, heif.LoggingLevelNone)
	if err != nil {
		return nil, err
	}

	// The bindings only write to a file, so bounce through a tempfile.
	tmp, err := os.CreateTemp("", "heicfs-enc-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)
	if err := ctx.WriteToFile(tmpName); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpName)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

// DecodeDimensions reports the pixel dimensions of an encoded HEIC blob.
// Used by tests to verify round trips without a second decode path.
func DecodeDimensions(data []byte) (int, int, error) {
	img, err := decodeHeic(data)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

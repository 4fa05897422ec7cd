package transfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"math/bits"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/casecall/internal/models"

	_ "image/gif"
)

// CompressOptions controls lossy recompression of images before transfer.
type CompressOptions struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
	// Format selects the output encoding, "jpeg" or "png". Empty keeps jpeg.
	Format string
}

func (o *CompressOptions) applyDefaults() {
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 80
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = 1920
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 1920
	}
	if o.Format == "" {
		o.Format = "jpeg"
	}
}

// GenerateThumbnail produces a JPEG thumbnail fitting within maxDim on the
// longer side. Only image inputs are supported; video thumbnails would need
// frame extraction which the engine does not do.
func (e *Engine) GenerateThumbnail(fileName string, data []byte, maxDim int) ([]byte, error) {
	category, _, err := CategoryOf(fileName, data)
	if err != nil {
		return nil, err
	}
	if category != models.CategoryImage {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotImage, fileName, category)
	}
	if maxDim <= 0 {
		maxDim = 320
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	thumb := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// CompressImage recompresses an image within the given bounds, preserving
// aspect ratio. Images already inside the bounds are re-encoded only.
func (e *Engine) CompressImage(fileName string, data []byte, opts CompressOptions) ([]byte, error) {
	category, _, err := CategoryOf(fileName, data)
	if err != nil {
		return nil, err
	}
	if category != models.CategoryImage {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotImage, fileName, category)
	}
	opts.applyDefaults()

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > opts.MaxWidth || bounds.Dy() > opts.MaxHeight {
		img = imaging.Fit(img, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	switch strings.ToLower(opts.Format) {
	case "jpeg", "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality})
	case "png":
		err = png.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("%w: output format %q", ErrUnsupportedType, opts.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// ExtractMediaMetadata reads dimensions and duration out of media content.
// Images yield width/height; MP4-family video yields duration plus track
// dimensions; WebM/Matroska yields duration. Formats the probe does not
// understand (mp3, ogg, ...) yield zero fields, never an error.
func ExtractMediaMetadata(fileName string, data []byte) models.MediaInfo {
	category, mt, err := CategoryOf(fileName, data)
	if err != nil {
		return models.MediaInfo{}
	}
	switch category {
	case models.CategoryImage:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return models.MediaInfo{}
		}
		return models.MediaInfo{Width: cfg.Width, Height: cfg.Height}
	case models.CategoryVideo, models.CategoryAudio:
		if strings.Contains(mt, "mp4") || strings.Contains(mt, "quicktime") ||
			strings.Contains(mt, "m4a") {
			return probeMP4(data)
		}
		if strings.Contains(mt, "webm") || strings.Contains(mt, "matroska") {
			return probeWebM(data)
		}
	}
	return models.MediaInfo{}
}

// probeMP4 walks the box structure of an ISO base media file and pulls
// duration from moov/mvhd and dimensions from the first moov/trak with a
// non-zero tkhd size. Fields stay zero on any structural surprise.
func probeMP4(data []byte) models.MediaInfo {
	var info models.MediaInfo
	moov, ok := findBox(data, "moov")
	if !ok {
		return info
	}
	forEachBox(moov, func(name string, payload []byte) bool {
		switch name {
		case "mvhd":
			info.DurationMs = mvhdDuration(payload)
		case "trak":
			if info.Width > 0 {
				break
			}
			if tkhd, ok := findBox(payload, "tkhd"); ok {
				w, h := tkhdDimensions(tkhd)
				if w > 0 && h > 0 {
					info.Width, info.Height = w, h
				}
			}
		}
		return true
	})
	return info
}

// EBML element ids of the pieces the WebM probe reads.
const (
	ebmlSegment        = 0x18538067
	ebmlSegmentInfo    = 0x1549A966
	ebmlTimestampScale = 0x2AD7B1
	ebmlDuration       = 0x4489
)

// probeWebM reads Segment/Info out of an EBML container. Duration is
// expressed in timestamp-scale ticks; the scale defaults to one millisecond
// per tick. Fields stay zero on any structural surprise.
func probeWebM(data []byte) models.MediaInfo {
	var info models.MediaInfo
	segment, ok := findEBML(data, ebmlSegment)
	if !ok {
		return info
	}
	segInfo, ok := findEBML(segment, ebmlSegmentInfo)
	if !ok {
		return info
	}
	scale := uint64(1_000_000) // nanoseconds per tick
	var duration float64
	forEachEBML(segInfo, func(id uint64, payload []byte) bool {
		switch id {
		case ebmlTimestampScale:
			scale = ebmlUint(payload)
		case ebmlDuration:
			duration = ebmlFloat(payload)
		}
		return true
	})
	if duration > 0 && scale > 0 {
		info.DurationMs = int64(duration * float64(scale) / 1e6)
	}
	return info
}

// forEachEBML iterates sibling EBML elements at one nesting level. The
// callback returns false to stop early. Iteration aborts on malformed ids or
// sizes; an unknown-size element runs to the end of its parent.
func forEachEBML(data []byte, fn func(id uint64, payload []byte) bool) {
	for off := 0; off < len(data); {
		id, n := ebmlID(data[off:])
		if n == 0 {
			return
		}
		size, m, known := ebmlSize(data[off+n:])
		if m == 0 {
			return
		}
		start := off + n + m
		if !known {
			size = uint64(len(data) - start)
		}
		if size > uint64(len(data)-start) {
			return
		}
		if !fn(id, data[start:start+int(size)]) {
			return
		}
		off = start + int(size)
	}
}

// findEBML returns the payload of the first sibling element with the given id.
func findEBML(data []byte, want uint64) ([]byte, bool) {
	var out []byte
	found := false
	forEachEBML(data, func(id uint64, payload []byte) bool {
		if id == want {
			out, found = payload, true
			return false
		}
		return true
	})
	return out, found
}

// ebmlID decodes an element id, which keeps its length-marker bit.
func ebmlID(data []byte) (uint64, int) {
	if len(data) == 0 || data[0] == 0 {
		return 0, 0
	}
	n := bits.LeadingZeros8(data[0]) + 1
	if n > 4 || n > len(data) {
		return 0, 0
	}
	var id uint64
	for i := 0; i < n; i++ {
		id = id<<8 | uint64(data[i])
	}
	return id, n
}

// ebmlSize decodes a size varint. All value bits set means unknown size.
func ebmlSize(data []byte) (size uint64, n int, known bool) {
	if len(data) == 0 || data[0] == 0 {
		return 0, 0, false
	}
	n = bits.LeadingZeros8(data[0]) + 1
	if n > 8 || n > len(data) {
		return 0, 0, false
	}
	size = uint64(data[0]) &^ (0x80 >> (n - 1))
	for i := 1; i < n; i++ {
		size = size<<8 | uint64(data[i])
	}
	allOnes := uint64(1)<<(7*n) - 1
	return size, n, size != allOnes
}

func ebmlUint(payload []byte) uint64 {
	if len(payload) > 8 {
		return 0
	}
	var v uint64
	for _, b := range payload {
		v = v<<8 | uint64(b)
	}
	return v
}

func ebmlFloat(payload []byte) float64 {
	switch len(payload) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(payload))
	}
	return 0
}

// forEachBox iterates sibling boxes at one nesting level. The callback
// returns false to stop early. Iteration aborts on malformed sizes.
func forEachBox(data []byte, fn func(name string, payload []byte) bool) {
	for off := 0; off+8 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[off : off+4]))
		name := string(data[off+4 : off+8])
		header := 8
		if size == 1 {
			if off+16 > len(data) {
				return
			}
			size64 := binary.BigEndian.Uint64(data[off+8 : off+16])
			if size64 > uint64(len(data)-off) {
				return
			}
			size = int(size64)
			header = 16
		}
		if size < header || off+size > len(data) {
			return
		}
		if !fn(name, data[off+header:off+size]) {
			return
		}
		off += size
	}
}

// findBox returns the payload of the first sibling box with the given type.
func findBox(data []byte, boxType string) ([]byte, bool) {
	var out []byte
	found := false
	forEachBox(data, func(name string, payload []byte) bool {
		if name == boxType {
			out, found = payload, true
			return false
		}
		return true
	})
	return out, found
}

// mvhdDuration decodes the movie header into milliseconds. Versions 0 and 1
// differ in field widths.
func mvhdDuration(payload []byte) int64 {
	if len(payload) < 1 {
		return 0
	}
	version := payload[0]
	if version == 1 {
		if len(payload) < 32 {
			return 0
		}
		timescale := binary.BigEndian.Uint32(payload[20:24])
		duration := binary.BigEndian.Uint64(payload[24:32])
		if timescale == 0 {
			return 0
		}
		return int64(duration * 1000 / uint64(timescale))
	}
	if len(payload) < 20 {
		return 0
	}
	timescale := binary.BigEndian.Uint32(payload[12:16])
	duration := binary.BigEndian.Uint32(payload[16:20])
	if timescale == 0 {
		return 0
	}
	return int64(uint64(duration) * 1000 / uint64(timescale))
}

// tkhdDimensions reads the fixed-point 16.16 width and height at the tail of
// the track header.
func tkhdDimensions(payload []byte) (int, int) {
	if len(payload) < 8 {
		return 0, 0
	}
	w := binary.BigEndian.Uint32(payload[len(payload)-8 : len(payload)-4])
	h := binary.BigEndian.Uint32(payload[len(payload)-4:])
	return int(w >> 16), int(h >> 16)
}

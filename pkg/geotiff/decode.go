package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/image/tiff/lzw"
)

const (
	maxDimension       = 1 << 20
	maxSamplesPerPixel = 64
	maxSamples         = 1 << 28
)

type field struct {
	typ   uint16
	count uint32
	raw   []byte
}

type decoder struct {
	buf    []byte
	order  binary.ByteOrder
	fields map[uint16]field

	width, height int
	spp           int
	bps           int
	planar        int
	compression   int
	predictor     int
}

// Decode reads the first image of a GeoTIFF
func Decode(r io.Reader) (*Raster, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: buf, fields: make(map[uint16]field)}
	if err := d.readIFD(); err != nil {
		return nil, err
	}
	if err := d.readLayout(); err != nil {
		return nil, err
	}

	out := New(d.width, d.height, d.spp, d.bps)
	if _, ok := d.fields[tagTileWidth]; ok {
		err = d.readTiles(out)
	} else {
		err = d.readStrips(out)
	}
	if err != nil {
		return nil, err
	}

	out.Transform, err = d.transform()
	if err != nil {
		return nil, err
	}
	out.EPSG = d.epsg()
	return out, nil
}

func (d *decoder) readIFD() error {
	if len(d.buf) < 8 {
		return fmt.Errorf("%w: short header", ErrFormat)
	}
	switch string(d.buf[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: bad byte order mark", ErrFormat)
	}
	if magic := d.order.Uint16(d.buf[2:4]); magic != 42 {
		if magic == 43 {
			return fmt.Errorf("%w: BigTIFF", ErrUnsupported)
		}
		return fmt.Errorf("%w: bad magic %d", ErrFormat, magic)
	}

	off := int(d.order.Uint32(d.buf[4:8]))
	if off+2 > len(d.buf) {
		return fmt.Errorf("%w: IFD offset out of range", ErrFormat)
	}
	n := int(d.order.Uint16(d.buf[off:]))
	if off+2+12*n > len(d.buf) {
		return fmt.Errorf("%w: IFD truncated", ErrFormat)
	}

	for i := 0; i < n; i++ {
		e := d.buf[off+2+12*i:]
		tag := d.order.Uint16(e[0:2])
		typ := d.order.Uint16(e[2:4])
		count := d.order.Uint32(e[4:8])
		size, ok := typeSize[typ]
		if !ok {
			continue
		}
		total := int(count) * size
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			vo := int(d.order.Uint32(e[8:12]))
			if vo < 0 || vo+total > len(d.buf) {
				return fmt.Errorf("%w: tag %d value out of range", ErrFormat, tag)
			}
			raw = d.buf[vo : vo+total]
		}
		d.fields[tag] = field{typ: typ, count: count, raw: raw}
	}
	return nil
}

// uints returns an integer-typed field as uint64 values
func (d *decoder) uints(tag uint16) ([]uint64, bool) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, false
	}
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case typeByte, typeUndef:
			out[i] = uint64(f.raw[i])
		case typeShort:
			out[i] = uint64(d.order.Uint16(f.raw[2*i:]))
		case typeLong:
			out[i] = uint64(d.order.Uint32(f.raw[4*i:]))
		default:
			return nil, false
		}
	}
	return out, true
}

func (d *decoder) uint(tag uint16, def int) int {
	v, ok := d.uints(tag)
	if !ok || len(v) == 0 {
		return def
	}
	return int(v[0])
}

func (d *decoder) doubles(tag uint16) ([]float64, bool) {
	f, ok := d.fields[tag]
	if !ok || f.typ != typeDouble {
		return nil, false
	}
	out := make([]float64, f.count)
	for i := range out {
		out[i] = math.Float64frombits(d.order.Uint64(f.raw[8*i:]))
	}
	return out, true
}

func (d *decoder) readLayout() error {
	d.width = d.uint(tagImageWidth, 0)
	d.height = d.uint(tagImageLength, 0)
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("%w: missing image dimensions", ErrFormat)
	}
	d.spp = d.uint(tagSamplesPerPixel, 1)
	d.planar = d.uint(tagPlanarConfig, planarChunky)
	d.compression = d.uint(tagCompression, compressionNone)
	d.predictor = d.uint(tagPredictor, predictorNone)

	bits, ok := d.uints(tagBitsPerSample)
	if !ok || len(bits) == 0 {
		bits = []uint64{1}
	}
	d.bps = int(bits[0])
	for _, b := range bits {
		if int(b) != d.bps {
			return fmt.Errorf("%w: mixed bits per sample", ErrUnsupported)
		}
	}
	if d.bps != 8 && d.bps != 16 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, d.bps)
	}

	if formats, ok := d.uints(tagSampleFormat); ok {
		for _, f := range formats {
			if f != sampleFormatUnsigned {
				return fmt.Errorf("%w: sample format %d", ErrUnsupported, f)
			}
		}
	}
	switch d.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, d.compression)
	}
	if d.predictor != predictorNone && d.predictor != predictorHorizontal {
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, d.predictor)
	}
	if d.planar != planarChunky && d.planar != planarSeparate {
		return fmt.Errorf("%w: planar configuration %d", ErrFormat, d.planar)
	}
	return d.checkSize()
}

// checkSize rejects headers whose pixel buffer could not have come from this file
func (d *decoder) checkSize() error {
	if d.width > maxDimension || d.height > maxDimension {
		return fmt.Errorf("%w: image is %dx%d", ErrFormat, d.width, d.height)
	}
	if d.spp < 1 || d.spp > maxSamplesPerPixel {
		return fmt.Errorf("%w: %d samples per pixel", ErrFormat, d.spp)
	}
	samples := d.width * d.height * d.spp
	if samples > maxSamples {
		return fmt.Errorf("%w: %d samples exceeds %d", ErrFormat, samples, maxSamples)
	}
	if d.compression == compressionNone && samples*(d.bps/8) > len(d.buf) {
		return fmt.Errorf("%w: %d uncompressed bytes in a %d byte file", ErrFormat, samples*(d.bps/8), len(d.buf))
	}
	return nil
}

// decompress returns exactly want bytes of chunk data
func (d *decoder) decompress(offset, count uint64, want int) ([]byte, error) {
	if offset+count > uint64(len(d.buf)) {
		return nil, fmt.Errorf("%w: chunk out of range", ErrFormat)
	}
	src := d.buf[offset : offset+count]

	var rd io.Reader
	switch d.compression {
	case compressionNone:
		if len(src) < want {
			return nil, fmt.Errorf("%w: chunk holds %d bytes, want %d", ErrFormat, len(src), want)
		}
		return src[:want], nil
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8)
		defer lr.Close()
		rd = lr
	default:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		defer zr.Close()
		rd = zr
	}

	out := make([]byte, want)
	if _, err := io.ReadFull(rd, out); err != nil {
		return nil, fmt.Errorf("%w: decompressing chunk: %v", ErrFormat, err)
	}
	return out, nil
}

// samples converts chunk bytes to values and undoes the horizontal predictor.
// stride is the number of interleaved samples per pixel in the chunk.
func (d *decoder) samples(chunk []byte, rowLen, stride int) []uint16 {
	bytesPer := d.bps / 8
	out := make([]uint16, len(chunk)/bytesPer)
	for i := range out {
		if bytesPer == 1 {
			out[i] = uint16(chunk[i])
		} else {
			out[i] = d.order.Uint16(chunk[2*i:])
		}
	}

	if d.predictor == predictorHorizontal {
		mask := uint16(math.MaxUint16)
		if d.bps == 8 {
			mask = math.MaxUint8
		}
		samplesPerRow := rowLen * stride
		for start := 0; start+samplesPerRow <= len(out); start += samplesPerRow {
			row := out[start : start+samplesPerRow]
			for i := stride; i < len(row); i++ {
				row[i] = (row[i] + row[i-stride]) & mask
			}
		}
	}
	return out
}

// place copies a decoded chunk covering cols [x0, x0+cw) and rows [y0, y0+ch) into r.
// chunkW is the stored chunk width, which for tiles may exceed the visible width.
func (d *decoder) place(r *Raster, vals []uint16, plane, x0, y0, chunkW, ch int) {
	stride := d.spp
	if d.planar == planarSeparate {
		stride = 1
	}
	for y := 0; y < ch && y0+y < r.Height; y++ {
		for x := 0; x < chunkW && x0+x < r.Width; x++ {
			base := (y*chunkW + x) * stride
			idx := (y0+y)*r.Width + x0 + x
			if d.planar == planarSeparate {
				r.Bands[plane][idx] = vals[base]
				continue
			}
			for b := 0; b < d.spp; b++ {
				r.Bands[b][idx] = vals[base+b]
			}
		}
	}
}

func (d *decoder) planes() (planes, stride int) {
	if d.planar == planarSeparate {
		return d.spp, 1
	}
	return 1, d.spp
}

func (d *decoder) readStrips(r *Raster) error {
	offsets, ok1 := d.uints(tagStripOffsets)
	counts, ok2 := d.uints(tagStripByteCounts)
	if !ok1 || !ok2 || len(offsets) != len(counts) {
		return fmt.Errorf("%w: missing strip offsets", ErrFormat)
	}

	rps := d.uint(tagRowsPerStrip, d.height)
	if rps <= 0 || rps > d.height {
		rps = d.height
	}
	stripsPerPlane := (d.height + rps - 1) / rps
	planes, stride := d.planes()
	if len(offsets) < stripsPerPlane*planes {
		return fmt.Errorf("%w: %d strips, want %d", ErrFormat, len(offsets), stripsPerPlane*planes)
	}

	rowBytes := d.width * stride * d.bps / 8
	for p := 0; p < planes; p++ {
		for s := 0; s < stripsPerPlane; s++ {
			i := p*stripsPerPlane + s
			y0 := s * rps
			rows := rps
			if y0+rows > d.height {
				rows = d.height - y0
			}
			chunk, err := d.decompress(offsets[i], counts[i], rows*rowBytes)
			if err != nil {
				return fmt.Errorf("strip %d: %w", i, err)
			}
			d.place(r, d.samples(chunk, d.width, stride), p, 0, y0, d.width, rows)
		}
	}
	return nil
}

func (d *decoder) readTiles(r *Raster) error {
	tw := d.uint(tagTileWidth, 0)
	tl := d.uint(tagTileLength, 0)
	offsets, ok1 := d.uints(tagTileOffsets)
	counts, ok2 := d.uints(tagTileByteCounts)
	if tw <= 0 || tl <= 0 || !ok1 || !ok2 || len(offsets) != len(counts) {
		return fmt.Errorf("%w: incomplete tile layout", ErrFormat)
	}

	across := (d.width + tw - 1) / tw
	down := (d.height + tl - 1) / tl
	planes, stride := d.planes()
	if len(offsets) < across*down*planes {
		return fmt.Errorf("%w: %d tiles, want %d", ErrFormat, len(offsets), across*down*planes)
	}

	tileBytes := tw * tl * stride * d.bps / 8
	for p := 0; p < planes; p++ {
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				i := p*across*down + ty*across + tx
				chunk, err := d.decompress(offsets[i], counts[i], tileBytes)
				if err != nil {
					return fmt.Errorf("tile %d: %w", i, err)
				}
				d.place(r, d.samples(chunk, tw, stride), p, tx*tw, ty*tl, tw, tl)
			}
		}
	}
	return nil
}

func (d *decoder) transform() (GeoTransform, error) {
	if m, ok := d.doubles(tagModelTransformation); ok && len(m) >= 16 {
		return GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}, nil
	}

	scale, okScale := d.doubles(tagModelPixelScale)
	tie, okTie := d.doubles(tagModelTiepoint)
	if !okScale || !okTie || len(scale) < 2 || len(tie) < 6 {
		// Not georeferenced; identity pixel grid
		return GeoTransform{0, 1, 0, 0, 0, 1}, nil
	}
	i, j, x, y := tie[0], tie[1], tie[3], tie[4]
	return GeoTransform{x - i*scale[0], scale[0], 0, y + j*scale[1], 0, -scale[1]}, nil
}

func (d *decoder) epsg() int {
	keys, ok := d.uints(tagGeoKeyDirectory)
	if !ok || len(keys) < 4 {
		return 0
	}
	n := int(keys[3])
	var geographic, projected int
	for k := 0; k < n && 4+4*k+3 < len(keys); k++ {
		id, loc, val := keys[4+4*k], keys[4+4*k+1], keys[4+4*k+3]
		if loc != 0 || val == userDefined {
			continue
		}
		switch id {
		case keyGeographicType:
			geographic = int(val)
		case keyProjectedType:
			projected = int(val)
		}
	}
	if projected != 0 {
		return projected
	}
	return geographic
}

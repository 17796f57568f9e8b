package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Compression selects how strips are stored
type Compression int

const (
	// Deflate stores zlib-wrapped deflate strips
	Deflate Compression = iota
	// None stores raw strips
	None
)

// Options control encoding
type Options struct {
	Compression Compression
}

// targetStripBytes bounds the uncompressed size of one strip
const targetStripBytes = 64 * 1024

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

type entries []ifdEntry

func (e *entries) shorts(tag uint16, vals ...uint16) {
	buf := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	*e = append(*e, ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: buf})
}

func (e *entries) longs(tag uint16, vals ...uint32) {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	*e = append(*e, ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: buf})
}

func (e *entries) doubles(tag uint16, vals ...float64) {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	*e = append(*e, ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: buf})
}

// Encode writes r as a little-endian, chunky, strip-organised GeoTIFF
func Encode(w io.Writer, r *Raster, opts Options) error {
	if err := r.Validate(); err != nil {
		return err
	}

	spp := len(r.Bands)
	bytesPerSample := r.BitsPerSample / 8
	rowBytes := r.Width * spp * bytesPerSample
	rowsPerStrip := targetStripBytes / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > r.Height {
		rowsPerStrip = r.Height
	}

	var (
		stripData   bytes.Buffer
		offsets     []uint32
		byteCounts  []uint32
		compression uint16 = compressionDeflate
	)
	if opts.Compression == None {
		compression = compressionNone
	}

	const headerSize = 8
	for row := 0; row < r.Height; row += rowsPerStrip {
		end := row + rowsPerStrip
		if end > r.Height {
			end = r.Height
		}
		raw := r.interleave(row, end, bytesPerSample)

		chunk := raw
		if compression == compressionDeflate {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			if _, err := zw.Write(raw); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			chunk = zbuf.Bytes()
		}

		offsets = append(offsets, uint32(headerSize+stripData.Len()))
		byteCounts = append(byteCounts, uint32(len(chunk)))
		stripData.Write(chunk)
		if stripData.Len()%2 == 1 {
			stripData.WriteByte(0)
		}
	}

	bits := make([]uint16, spp)
	formats := make([]uint16, spp)
	for i := range bits {
		bits[i] = uint16(r.BitsPerSample)
		formats[i] = sampleFormatUnsigned
	}

	var ents entries
	ents.longs(tagImageWidth, uint32(r.Width))
	ents.longs(tagImageLength, uint32(r.Height))
	ents.shorts(tagBitsPerSample, bits...)
	ents.shorts(tagCompression, compression)
	ents.shorts(tagPhotometric, photometricBlackIsZero)
	ents.longs(tagStripOffsets, offsets...)
	ents.shorts(tagSamplesPerPixel, uint16(spp))
	ents.longs(tagRowsPerStrip, uint32(rowsPerStrip))
	ents.longs(tagStripByteCounts, byteCounts...)
	ents.shorts(tagPlanarConfig, planarChunky)
	if spp > 1 {
		// Unspecified extra samples
		ents.shorts(tagExtraSamples, make([]uint16, spp-1)...)
	}
	ents.shorts(tagSampleFormat, formats...)
	ents.doubles(tagModelPixelScale, r.Transform[1], -r.Transform[5], 0)
	ents.doubles(tagModelTiepoint, 0, 0, 0, r.Transform[0], r.Transform[3], 0)
	ents.shorts(tagGeoKeyDirectory, geoKeys(r.EPSG)...)
	sort.Slice(ents, func(i, j int) bool { return ents[i].tag < ents[j].tag })

	return writeFile(w, stripData.Bytes(), ents)
}

// interleave packs rows [from, to) as chunky little-endian samples
func (r *Raster) interleave(from, to, bytesPerSample int) []byte {
	spp := len(r.Bands)
	out := make([]byte, (to-from)*r.Width*spp*bytesPerSample)
	i := 0
	for row := from; row < to; row++ {
		for col := 0; col < r.Width; col++ {
			idx := row*r.Width + col
			for b := 0; b < spp; b++ {
				v := r.Bands[b][idx]
				if bytesPerSample == 1 {
					out[i] = byte(v)
				} else {
					binary.LittleEndian.PutUint16(out[i:], v)
				}
				i += bytesPerSample
			}
		}
	}
	return out
}

func geoKeys(epsg int) []uint16 {
	if epsg == 0 {
		epsg = EPSGWGS84
	}
	modelType, crsKey := uint16(modelTypeGeographic), uint16(keyGeographicType)
	if epsg != EPSGWGS84 && (epsg < 4000 || epsg >= 5000) {
		modelType, crsKey = modelTypeProjected, keyProjectedType
	}
	return []uint16{
		1, 1, 0, 3,
		keyModelType, 0, 1, modelType,
		keyRasterType, 0, 1, rasterPixelIsArea,
		crsKey, 0, 1, uint16(epsg),
	}
}

// writeFile lays out header, strip data, out-of-line tag values and finally the IFD
func writeFile(w io.Writer, strips []byte, ents entries) error {
	const headerSize = 8
	valuesStart := headerSize + len(strips)

	var values bytes.Buffer
	offsets := make([]uint32, len(ents))
	for i, e := range ents {
		if len(e.data) <= 4 {
			continue
		}
		offsets[i] = uint32(valuesStart + values.Len())
		values.Write(e.data)
		if values.Len()%2 == 1 {
			values.WriteByte(0)
		}
	}
	ifdOffset := valuesStart + values.Len()
	if uint64(ifdOffset) > math.MaxUint32 {
		return fmt.Errorf("%w: output exceeds 4 GiB", ErrUnsupported)
	}

	var out bytes.Buffer
	out.Grow(ifdOffset + 2 + 12*len(ents) + 4)
	out.WriteString("II")
	binary.Write(&out, binary.LittleEndian, uint16(42))
	binary.Write(&out, binary.LittleEndian, uint32(ifdOffset))
	out.Write(strips)
	out.Write(values.Bytes())

	binary.Write(&out, binary.LittleEndian, uint16(len(ents)))
	for i, e := range ents {
		binary.Write(&out, binary.LittleEndian, e.tag)
		binary.Write(&out, binary.LittleEndian, e.typ)
		binary.Write(&out, binary.LittleEndian, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			out.Write(inline[:])
		} else {
			binary.Write(&out, binary.LittleEndian, offsets[i])
		}
	}
	binary.Write(&out, binary.LittleEndian, uint32(0))

	_, err := w.Write(out.Bytes())
	return err
}

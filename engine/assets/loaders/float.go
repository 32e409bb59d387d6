package loaders

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
)

// decodePFM reads a Portable Float Map. Rows are stored bottom to top.
func decodePFM(raw []byte) (*ImageResourceData, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	header := make([]string, 0, 4)
	for len(header) < 4 {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("pfm header: %w", err)
		}
		header = append(header, strings.Fields(line)...)
	}

	var channels int
	switch header[0] {
	case "PF":
		channels = 3
	case "Pf":
		channels = 1
	default:
		return nil, fmt.Errorf("pfm: bad magic %q", header[0])
	}
	width, err := strconv.Atoi(header[1])
	if err != nil || width <= 0 {
		return nil, fmt.Errorf("pfm: bad width %q", header[1])
	}
	height, err := strconv.Atoi(header[2])
	if err != nil || height <= 0 {
		return nil, fmt.Errorf("pfm: bad height %q", header[2])
	}
	scale, err := strconv.ParseFloat(header[3], 32)
	if err != nil || scale == 0 {
		return nil, fmt.Errorf("pfm: bad scale %q", header[3])
	}
	var order binary.ByteOrder = binary.BigEndian
	if scale < 0 {
		order = binary.LittleEndian
	}

	row := make([]float32, width*channels)
	data := &ImageResourceData{
		ChannelCount: uint8(channels),
		Width:        uint32(width),
		Height:       uint32(height),
		HDR:          true,
		Pixels:       make([]float32, width*height*4),
	}
	for y := height - 1; y >= 0; y-- {
		if err := binary.Read(r, order, row); err != nil {
			return nil, fmt.Errorf("pfm row %d: %w", y, err)
		}
		for x := 0; x < width; x++ {
			px := data.Pixels[(y*width+x)*4:]
			if channels == 1 {
				px[0], px[1], px[2] = row[x], row[x], row[x]
			} else {
				copy(px[:3], row[x*3:x*3+3])
			}
			px[3] = 1
		}
	}
	return data, nil
}

// decodeRadiance reads a Radiance RGBE (.hdr) image with flat or adaptive
// run length encoded scanlines.
func decodeRadiance(raw []byte) (*ImageResourceData, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	magic, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(magic, "#?") {
		return nil, errors.New("hdr: missing #? signature")
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("hdr header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if format, ok := strings.CutPrefix(line, "FORMAT="); ok && format != "32-bit_rle_rgbe" {
			return nil, fmt.Errorf("hdr: unsupported format %q", format)
		}
	}
	resolution, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("hdr resolution: %w", err)
	}
	var width, height int
	if _, err := fmt.Sscanf(strings.TrimSpace(resolution), "-Y %d +X %d", &height, &width); err != nil {
		return nil, fmt.Errorf("hdr: unsupported orientation %q", strings.TrimSpace(resolution))
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("hdr: bad size %dx%d", width, height)
	}

	data := &ImageResourceData{
		ChannelCount: 3,
		Width:        uint32(width),
		Height:       uint32(height),
		HDR:          true,
		Pixels:       make([]float32, width*height*4),
	}
	scanline := make([]byte, width*4)
	for y := 0; y < height; y++ {
		if err := readScanline(r, scanline, width); err != nil {
			return nil, fmt.Errorf("hdr scanline %d: %w", y, err)
		}
		for x := 0; x < width; x++ {
			rgbe := scanline[x*4 : x*4+4]
			px := data.Pixels[(y*width+x)*4:]
			if rgbe[3] != 0 {
				f := math32.Ldexp(1, int(rgbe[3])-(128+8))
				px[0] = float32(rgbe[0]) * f
				px[1] = float32(rgbe[1]) * f
				px[2] = float32(rgbe[2]) * f
			}
			px[3] = 1
		}
	}
	return data, nil
}

func readScanline(r *bufio.Reader, dst []byte, width int) error {
	head, err := r.Peek(4)
	if err != nil {
		return err
	}
	if width < 8 || width > 0x7fff || head[0] != 2 || head[1] != 2 || head[2]&0x80 != 0 {
		_, err := io.ReadFull(r, dst)
		return err
	}
	if int(head[2])<<8|int(head[3]) != width {
		return errors.New("scanline width mismatch")
	}
	if _, err := r.Discard(4); err != nil {
		return err
	}

	// Adaptive RLE stores each channel of the scanline separately.
	for c := 0; c < 4; c++ {
		for x := 0; x < width; {
			count, err := r.ReadByte()
			if err != nil {
				return err
			}
			if count > 128 {
				n := int(count - 128)
				value, err := r.ReadByte()
				if err != nil {
					return err
				}
				if x+n > width {
					return errors.New("run overflows scanline")
				}
				for ; n > 0; n-- {
					dst[x*4+c] = value
					x++
				}
				continue
			}
			n := int(count)
			if n == 0 || x+n > width {
				return errors.New("bad literal run")
			}
			for ; n > 0; n-- {
				v, err := r.ReadByte()
				if err != nil {
					return err
				}
				dst[x*4+c] = v
				x++
			}
		}
	}
	return nil
}

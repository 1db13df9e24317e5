package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Program images
// ---------------------------------------------------------------------------
//
// An image file is a 12-byte header followed by the CBOR encoding of a
// Program:
//
//	magic   [4]byte  "RVMI"
//	version uint32   big-endian
//	length  uint32   big-endian, bytes of CBOR that follow

const (
	// ImageMagic identifies a program image.
	ImageMagic = "RVMI"

	// ImageVersion is the current image format version.
	ImageVersion uint32 = 1

	imageHeaderSize = 12

	// maxImageBody bounds the CBOR body a reader will accept.
	maxImageBody = 64 << 20
)

var (
	// ErrInvalidMagic is returned when the image does not start with
	// ImageMagic.
	ErrInvalidMagic = errors.New("vm: invalid image magic")

	// ErrUnsupportedVersion is returned for images from a newer format.
	ErrUnsupportedVersion = errors.New("vm: unsupported image version")
)

var (
	imageEncMode cbor.EncMode
	imageDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	imageEncMode = em

	dm, err := cbor.DecOptions{MaxArrayElements: maxImageBody / WordSize}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR dec mode: %v", err))
	}
	imageDecMode = dm
}

// MarshalProgram serializes p to canonical CBOR.
func MarshalProgram(p *Program) ([]byte, error) {
	return imageEncMode.Marshal(p)
}

// UnmarshalProgram deserializes a Program from CBOR bytes.
func UnmarshalProgram(data []byte) (*Program, error) {
	var p Program
	if err := imageDecMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("vm: unmarshal program: %w", err)
	}
	return &p, nil
}

// WriteImage writes p to w with an image header.
func WriteImage(w io.Writer, p *Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	body, err := MarshalProgram(p)
	if err != nil {
		return fmt.Errorf("vm: marshal program: %w", err)
	}

	var header [imageHeaderSize]byte
	copy(header[:4], ImageMagic)
	binary.BigEndian.PutUint32(header[4:8], ImageVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("vm: write image header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("vm: write image body: %w", err)
	}
	return nil
}

// ReadImage reads and validates an image written by WriteImage.
func ReadImage(r io.Reader) (*Program, error) {
	var header [imageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("vm: read image header: %w", err)
	}
	if !bytes.Equal(header[:4], []byte(ImageMagic)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, header[:4])
	}
	if v := binary.BigEndian.Uint32(header[4:8]); v == 0 || v > ImageVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedVersion, v, ImageVersion)
	}
	n := binary.BigEndian.Uint32(header[8:12])
	if n > maxImageBody {
		return nil, fmt.Errorf("vm: image body of %d bytes exceeds limit of %d", n, maxImageBody)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("vm: read image body: %w", err)
	}
	p, err := UnmarshalProgram(body)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("vm: invalid image: %w", err)
	}
	return p, nil
}

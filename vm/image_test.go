package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func sampleProgram(t *testing.T) *Program {
	t.Helper()
	b := NewProgramBuilder()
	b.SetEntry("main")
	k := b.Constant(1 << 20)
	b.Function("main", 0, 1)
	b.EmitI(OpLDC, 1, 0, int32(k))
	b.EmitJ(OpCALL, 12)
	b.Emit(OpHALT)
	b.Function("double", 1, 0)
	b.EmitR(OpADD, 1, 1, 1)
	b.Emit(OpRET)
	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestImageRoundTrip(t *testing.T) {
	p := sampleProgram(t)
	var buf bytes.Buffer
	if err := WriteImage(&buf, p); err != nil {
		t.Fatalf("WriteImage failed: %v", err)
	}
	if string(buf.Bytes()[:4]) != ImageMagic {
		t.Errorf("magic = %q", buf.Bytes()[:4])
	}

	got, err := ReadImage(&buf)
	if err != nil {
		t.Fatalf("ReadImage failed: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, p)
	}
}

func TestImageEncodingIsDeterministic(t *testing.T) {
	p := sampleProgram(t)
	a, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := MarshalProgram(p.Clone())
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same program differ")
	}
}

func TestImageRejectsBadHeaders(t *testing.T) {
	var good bytes.Buffer
	if err := WriteImage(&good, sampleProgram(t)); err != nil {
		t.Fatal(err)
	}
	image := good.Bytes()

	badMagic := append([]byte("XXXX"), image[4:]...)
	if _, err := ReadImage(bytes.NewReader(badMagic)); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("bad magic = %v, want ErrInvalidMagic", err)
	}

	future := append([]byte(nil), image...)
	binary.BigEndian.PutUint32(future[4:8], ImageVersion+1)
	if _, err := ReadImage(bytes.NewReader(future)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("future version = %v, want ErrUnsupportedVersion", err)
	}

	huge := append([]byte(nil), image...)
	binary.BigEndian.PutUint32(huge[8:12], maxImageBody+1)
	if _, err := ReadImage(bytes.NewReader(huge)); err == nil {
		t.Error("oversized body length accepted")
	}

	if _, err := ReadImage(bytes.NewReader(image[:len(image)-3])); err == nil {
		t.Error("truncated image accepted")
	}
	if _, err := ReadImage(bytes.NewReader(image[:6])); err == nil {
		t.Error("truncated header accepted")
	}
}

func TestImageRejectsInvalidProgram(t *testing.T) {
	body, err := MarshalProgram(&Program{Code: []byte{0, 0, 0}})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	buf.WriteString(ImageMagic)
	binary.Write(&buf, binary.BigEndian, ImageVersion)
	binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)

	if _, err := ReadImage(&buf); err == nil {
		t.Error("image with misaligned code accepted")
	}
	if err := WriteImage(&bytes.Buffer{}, &Program{}); err == nil {
		t.Error("WriteImage accepted an empty program")
	}
}

func TestVMLoadImage(t *testing.T) {
	var buf bytes.Buffer
	WriteImage(&buf, sampleProgram(t))

	vm := MustNew(testConfig())
	if vm.Load(&buf) {
		t.Fatalf("Load reported errors: %v", vm.LoadErrors())
	}
	if err := vm.Exec(); err != nil {
		t.Fatal(err)
	}
	if got := reg(t, vm, 1); got != 2<<20 {
		t.Errorf("r1 = %d, want %d", got, 2<<20)
	}

	if !vm.Load(bytes.NewReader([]byte("junk"))) {
		t.Error("Load of junk reported success")
	}
	if len(vm.LoadErrors()) != 1 {
		t.Errorf("LoadErrors = %v, want one error", vm.LoadErrors())
	}
}

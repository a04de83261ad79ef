//go:build windows && gdicapture

package capture

import (
	"fmt"
	"image"
	"unsafe"

	"golang.org/x/sys/windows"
)

// gdiBackend captures the primary display through GDI. Unlike the portable
// backend it can StretchBlt straight to a target resolution, skipping the
// software resize pass for exact-mode requests.
type gdiBackend struct{}

func newPlatformBackend() Backend {
	return gdiBackend{}
}

var (
	gdiUser32             = windows.NewLazySystemDLL("user32.dll")
	gdi32                 = windows.NewLazySystemDLL("gdi32.dll")
	procGetDC             = gdiUser32.NewProc("GetDC")
	procReleaseDC         = gdiUser32.NewProc("ReleaseDC")
	procGetSystemMetrics  = gdiUser32.NewProc("GetSystemMetrics")
	procCreateCompatDC    = gdi32.NewProc("CreateCompatibleDC")
	procDeleteDC          = gdi32.NewProc("DeleteDC")
	procCreateDIBSection  = gdi32.NewProc("CreateDIBSection")
	procSelectObject      = gdi32.NewProc("SelectObject")
	procDeleteObject      = gdi32.NewProc("DeleteObject")
	procStretchBlt        = gdi32.NewProc("StretchBlt")
	procSetStretchBltMode = gdi32.NewProc("SetStretchBltMode")
)

const (
	smCxScreen   = 0
	smCyScreen   = 1
	srcCopy      = 0x00CC0020
	captureBlt   = 0x40000000
	halftone     = 4
	dibRGBColors = 0
)

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type bitmapInfo struct {
	Header bitmapInfoHeader
	Colors [1]uint32
}

func (gdiBackend) Name() string        { return "gdi" }
func (gdiBackend) AcceptsTarget() bool { return true }

func (gdiBackend) Dimensions() (int, int, error) {
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	if w == 0 || h == 0 {
		return 0, 0, fmt.Errorf("GetSystemMetrics returned zero display size")
	}
	return int(w), int(h), nil
}

func (b gdiBackend) Capture(target *image.Point) (*image.RGBA, int, int, error) {
	origW, origH, err := b.Dimensions()
	if err != nil {
		return nil, 0, 0, err
	}
	outW, outH := origW, origH
	if target != nil && target.X > 0 && target.Y > 0 {
		outW, outH = target.X, target.Y
	}

	screenDC, _, _ := procGetDC.Call(0)
	if screenDC == 0 {
		return nil, 0, 0, fmt.Errorf("GetDC failed")
	}
	defer procReleaseDC.Call(0, screenDC)

	memDC, _, _ := procCreateCompatDC.Call(screenDC)
	if memDC == 0 {
		return nil, 0, 0, fmt.Errorf("CreateCompatibleDC failed")
	}
	defer procDeleteDC.Call(memDC)

	info := bitmapInfo{Header: bitmapInfoHeader{
		Size:     uint32(unsafe.Sizeof(bitmapInfoHeader{})),
		Width:    int32(outW),
		Height:   -int32(outH), // top-down rows
		Planes:   1,
		BitCount: 32,
	}}
	var bits unsafe.Pointer
	bitmap, _, _ := procCreateDIBSection.Call(
		memDC,
		uintptr(unsafe.Pointer(&info)),
		dibRGBColors,
		uintptr(unsafe.Pointer(&bits)),
		0, 0,
	)
	if bitmap == 0 || bits == nil {
		return nil, 0, 0, fmt.Errorf("CreateDIBSection failed")
	}
	defer procDeleteObject.Call(bitmap)

	old, _, _ := procSelectObject.Call(memDC, bitmap)
	defer procSelectObject.Call(memDC, old)

	procSetStretchBltMode.Call(memDC, halftone)
	ok, _, _ := procStretchBlt.Call(
		memDC, 0, 0, uintptr(outW), uintptr(outH),
		screenDC, 0, 0, uintptr(origW), uintptr(origH),
		srcCopy|captureBlt,
	)
	if ok == 0 {
		return nil, 0, 0, fmt.Errorf("StretchBlt failed")
	}

	src := unsafe.Slice((*byte)(bits), outW*outH*4)
	img := image.NewRGBA(image.Rect(0, 0, outW, outH))
	// DIB sections are BGRA; swap to RGBA.
	for i := 0; i < len(src); i += 4 {
		img.Pix[i] = src[i+2]
		img.Pix[i+1] = src[i+1]
		img.Pix[i+2] = src[i]
		img.Pix[i+3] = 0xFF
	}
	return img, origW, origH, nil
}

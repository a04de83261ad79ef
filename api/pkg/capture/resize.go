package capture

import (
	"image"

	"golang.org/x/image/draw"
)

// scale resizes img to the target box per mode and returns the result with
// the filter label used.
func scale(img image.Image, targetW, targetH int, mode Mode) (image.Image, string) {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == targetW && origH == targetH {
		return img, "none"
	}

	outW, outH := targetW, targetH
	switch mode {
	case ModeAspectFit:
		outW, outH = fitBox(origW, origH, targetW, targetH, false)
	case ModeAspectFill:
		outW, outH = fitBox(origW, origH, targetW, targetH, true)
	}

	kernel, label := chooseFilter(origW, origH, outW, outH)
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	kernel.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst, label
}

// fitBox computes aspect-preserving dimensions. fill=false shrinks inside
// the box; fill=true covers it and may exceed one dimension.
func fitBox(origW, origH, targetW, targetH int, fill bool) (int, int) {
	origAspect := float64(origW) / float64(origH)
	targetAspect := float64(targetW) / float64(targetH)
	wider := origAspect > targetAspect
	if fill {
		wider = !wider
	}
	if wider {
		return targetW, int(float64(targetW) / origAspect)
	}
	return int(float64(targetH) * origAspect), targetH
}

// chooseFilter picks the resampling kernel by scale factor: heavy
// downscales take the cheaper triangle filter, everything else Catmull-Rom.
func chooseFilter(origW, origH, targetW, targetH int) (draw.Interpolator, string) {
	scaleX := float64(targetW) / float64(origW)
	scaleY := float64(targetH) / float64(origH)
	factor := scaleX
	if scaleY < factor {
		factor = scaleY
	}
	if factor < 0.5 {
		return draw.BiLinear, "triangle"
	}
	return draw.CatmullRom, "catmull-rom"
}

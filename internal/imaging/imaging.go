package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// 解码与缩放的尺寸阈值。超过 MaxPixels 或 MaxDimension 的原图在进入内存层前
// 会被等比缩小，避免单张超大壁纸直接吃掉预算。
const (
	MaxPixels    = 2_000_000
	MaxDimension = 2048

	// JPEGQuality 对应磁盘缩略图的编码质量。
	JPEGQuality = 85

	// costCeiling 钳制单条目的成本估算，防止损坏文件报出的异常尺寸
	// 污染预算记账。
	costCeiling = int64(100 * 1024 * 1024)
)

// ErrUndecodable 表示文件内容无法被识别为图片。
var ErrUndecodable = errors.New("image data undecodable")

// Decode 从磁盘读取并解码图片，支持 jpeg/png/gif。
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUndecodable, path)
	}
	return img, nil
}

// DecodeBytes 解码内存中的图片数据。
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUndecodable
	}
	return img, nil
}

// EstimateCost 按 RGBA 展开估算位图驻留成本（宽 × 高 × 4），
// 并钳制在 (0, costCeiling] 区间内。
func EstimateCost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	w, h := int64(b.Dx()), int64(b.Dy())
	if w <= 0 || h <= 0 {
		return 0
	}
	cost := w * h * 4
	if cost > costCeiling || cost < 0 {
		return costCeiling
	}
	return cost
}

// Downsample 在像素数或最长边超标时等比缩小，否则原样返回。
func Downsample(img image.Image, maxPixels int, maxDimension int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return img
	}

	scale := 1.0
	if w*h > maxPixels {
		// 面积比例转换为边长比例
		scale = math.Sqrt(float64(maxPixels) / float64(w*h))
	}
	longest := w
	if h > longest {
		longest = h
	}
	if float64(longest)*scale > float64(maxDimension) {
		scale = float64(maxDimension) / float64(longest)
	}
	if scale >= 1.0 {
		return img
	}

	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	return resize(img, dw, dh)
}

// Thumbnail 生成边长不超过 maxDim 的正方形缩略图：先让短边贴合 maxDim，
// 再居中裁剪，避免邮票式留边。小于目标尺寸的图片原样返回。
func Thumbnail(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}

	shortest := w
	if h < shortest {
		shortest = h
	}
	scale := float64(maxDim) / float64(shortest)

	sw := int(float64(w) * scale)
	sh := int(float64(h) * scale)
	if sw < maxDim {
		sw = maxDim
	}
	if sh < maxDim {
		sh = maxDim
	}
	scaled := resize(img, sw, sh)

	// 居中裁剪到 maxDim × maxDim
	offX := (sw - maxDim) / 2
	offY := (sh - maxDim) / 2
	out := image.NewRGBA(image.Rect(0, 0, maxDim, maxDim))
	draw.Draw(out, out.Bounds(), scaled, image.Pt(offX, offY), draw.Src)
	return out
}

// EncodeJPEG 以固定质量编码缩略图，供磁盘层落盘。
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// resize 使用近似双线性插值缩放到目标尺寸。
func resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

package media

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	xdraw "golang.org/x/image/draw"
)

const (
	defaultCardSize = 1080

	tagHeight  = 180
	tagMargin  = 30
	tagRadius  = 24
	tagPadding = 30

	badgePadding = 20
	badgeRadius  = 16
	badgeMargin  = 24

	watermarkMargin = 20

	arrowGap        = 16
	strikeThickness = 3

	jpegQuality      = 95
	sharpenThreshold = 1.3
)

var (
	tagBgColor      = color.RGBA{R: 255, G: 215, B: 0, A: 255}
	tagBorderColor  = color.RGBA{R: 255, G: 140, B: 0, A: 255}
	badgeColor      = color.RGBA{R: 220, G: 38, B: 38, A: 255}
	oldPriceColor   = color.RGBA{R: 100, G: 100, B: 100, A: 255}
	newPriceColor   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	currencyColor   = color.RGBA{R: 50, G: 50, B: 50, A: 255}
	watermarkColor  = color.RGBA{R: 255, G: 255, B: 255, A: 160}
	badgeTextColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	cardBackground  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

type CardConfig struct {
	Size      int
	Watermark string
	Currency  string
}

func checkCardConfig(cfg *CardConfig) *CardConfig {
	if cfg == nil {
		cfg = &CardConfig{}
	}

	if cfg.Size == 0 {
		cfg.Size = defaultCardSize
	}
	if len(cfg.Watermark) == 0 {
		cfg.Watermark = "Tulpar Express"
	}
	if len(cfg.Currency) == 0 {
		cfg.Currency = "сом"
	}

	return cfg
}

// Compositor renders square product cards: the source image center-cropped,
// a price tag strip along the bottom edge, a discount badge and a watermark.
type Compositor struct {
	config *CardConfig
	fonts  *fontSet

	logger  log.Logger
	svcTags metrics.Tags
}

func NewCompositor(cfg *CardConfig) *Compositor {
	logger := log.WithField("svc", "media")

	return &Compositor{
		config: checkCardConfig(cfg),
		fonts:  loadFontSet(logger),

		logger: logger,
		svcTags: metrics.Tags{
			"svc": "media",
		},
	}
}

// Compose renders a card next to the source image and returns its path.
func (c *Compositor) Compose(srcPath string, price, oldPrice int64, discountPct int) (string, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	src, err := loadImage(srcPath)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", err
	}

	card := c.renderCard(src, price, oldPrice, discountPct)

	outPath := filepath.Join(
		filepath.Dir(srcPath),
		"card_"+strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))+".jpg",
	)

	out, err := os.Create(outPath)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", errors.Wrap(err, "failed to create card file")
	}
	defer out.Close()

	if err := jpeg.Encode(out, card, &jpeg.Options{Quality: jpegQuality}); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", errors.Wrap(err, "failed to encode card JPEG")
	}

	return outPath, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open source image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", filepath.Base(path))
	}

	return img, nil
}

func (c *Compositor) renderCard(src image.Image, price, oldPrice int64, discountPct int) *image.RGBA {
	size := c.config.Size

	card := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(card, card.Bounds(), image.NewUniform(cardBackground), image.Point{}, draw.Src)

	cropped := centerCropSquare(flattenOnWhite(src))

	scale := float64(size) / float64(cropped.Bounds().Dx())
	xdraw.BiLinear.Scale(card, card.Bounds(), cropped, cropped.Bounds(), draw.Src, nil)

	if scale > sharpenThreshold {
		sharpen(card)
	}

	c.drawPriceTag(card, price, oldPrice)
	if discountPct > 0 {
		c.drawDiscountBadge(card, discountPct)
	}
	c.drawWatermark(card)

	return card
}

// flattenOnWhite normalises any decoded colour model onto an opaque white
// RGBA canvas (handles transparency, palette and greyscale inputs).
func flattenOnWhite(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(cardBackground), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func centerCropSquare(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h {
		return src
	}

	side := w
	if h < side {
		side = h
	}

	x0 := (w - side) / 2
	y0 := (h - side) / 2

	return src.SubImage(image.Rect(x0, y0, x0+side, y0+side)).(*image.RGBA)
}

// sharpen applies a mild 3x3 unsharp kernel in place.
func sharpen(img *image.RGBA) {
	b := img.Bounds()
	src := image.NewRGBA(b)
	copy(src.Pix, img.Pix)

	kernel := [3][3]int{
		{0, -1, 0},
		{-1, 5, -1},
		{0, -1, 0},
	}

	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			var r, g, bl int
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					o := src.PixOffset(x+kx, y+ky)
					k := kernel[ky+1][kx+1]
					r += int(src.Pix[o]) * k
					g += int(src.Pix[o+1]) * k
					bl += int(src.Pix[o+2]) * k
				}
			}
			o := img.PixOffset(x, y)
			img.Pix[o] = clampByte(r)
			img.Pix[o+1] = clampByte(g)
			img.Pix[o+2] = clampByte(bl)
		}
	}
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func (c *Compositor) drawPriceTag(card *image.RGBA, price, oldPrice int64) {
	size := c.config.Size

	tag := image.Rect(tagMargin, size-tagHeight-tagMargin, size-tagMargin, size-tagMargin)

	fillRoundedRect(card, tag.Inset(-2), tagRadius+2, tagBorderColor)
	fillRoundedRect(card, tag, tagRadius, tagBgColor)

	midY := tag.Min.Y + tag.Dy()/2

	oldText := formatPrice(oldPrice)
	newText := formatPrice(price)

	x := tag.Min.X + tagPadding

	// strikethrough old price
	oldWidth := drawTextLeft(card, c.fonts.oldPrice, oldText, x, midY+20, oldPriceColor)
	strikeY := midY
	for dy := 0; dy < strikeThickness; dy++ {
		for sx := x; sx < x+oldWidth; sx++ {
			card.Set(sx, strikeY+dy-10, oldPriceColor)
		}
	}

	x += oldWidth + arrowGap
	arrowWidth := drawTextLeft(card, c.fonts.oldPrice, "→", x, midY+20, newPriceColor)
	x += arrowWidth + arrowGap

	newWidth := drawTextLeft(card, c.fonts.newPrice, newText, x, midY+35, newPriceColor)
	x += newWidth + arrowGap

	maxX := tag.Max.X - tagPadding
	if x < maxX {
		drawTextClipped(card, c.fonts.currency, c.config.Currency, x, midY+20, maxX-x, currencyColor)
	}
}

func (c *Compositor) drawDiscountBadge(card *image.RGBA, discountPct int) {
	text := fmt.Sprintf("-%d%%", discountPct)

	w := measureText(c.fonts.badge, text)
	h := c.fonts.badge.Metrics().Height.Ceil()

	badge := image.Rect(
		c.config.Size-badgeMargin-w-2*badgePadding,
		badgeMargin,
		c.config.Size-badgeMargin,
		badgeMargin+h+2*badgePadding,
	)

	fillRoundedRect(card, badge, badgeRadius, badgeColor)
	drawTextLeft(card, c.fonts.badge, text,
		badge.Min.X+badgePadding,
		badge.Min.Y+badgePadding+c.fonts.badge.Metrics().Ascent.Ceil(),
		badgeTextColor)
}

func (c *Compositor) drawWatermark(card *image.RGBA) {
	baseline := c.config.Size - tagHeight - tagMargin - watermarkMargin
	drawTextLeft(card, c.fonts.watermark, c.config.Watermark, watermarkMargin, baseline, watermarkColor)
}

// formatPrice renders an integer price with thin thousands separation.
func formatPrice(v int64) string {
	s := fmt.Sprintf("%d", v)
	if len(s) <= 3 {
		return s
	}

	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)

	return strings.Join(parts, " ")
}

func fillRoundedRect(dst *image.RGBA, r image.Rectangle, radius int, c color.Color) {
	if radius <= 0 {
		draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Over)
		return
	}

	rr := radius * radius
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			// corner distance check
			dx, dy := 0, 0
			if x < r.Min.X+radius {
				dx = r.Min.X + radius - x
			} else if x >= r.Max.X-radius {
				dx = x - (r.Max.X - radius - 1)
			}
			if y < r.Min.Y+radius {
				dy = r.Min.Y + radius - y
			} else if y >= r.Max.Y-radius {
				dy = y - (r.Max.Y - radius - 1)
			}
			if dx > 0 && dy > 0 && dx*dx+dy*dy > rr {
				continue
			}
			dst.Set(x, y, c)
		}
	}
}

func measureText(face font.Face, text string) int {
	d := font.Drawer{Face: face}
	return d.MeasureString(text).Ceil()
}

func drawTextLeft(dst *image.RGBA, face font.Face, text string, x, baselineY int, c color.Color) int {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, baselineY),
	}
	d.DrawString(text)
	return measureText(face, text)
}

// drawTextClipped right-truncates with an ellipsis when the text would
// overflow maxWidth.
func drawTextClipped(dst *image.RGBA, face font.Face, text string, x, baselineY, maxWidth int, c color.Color) {
	if measureText(face, text) > maxWidth {
		runes := []rune(text)
		for len(runes) > 0 && measureText(face, string(runes)+"…") > maxWidth {
			runes = runes[:len(runes)-1]
		}
		if len(runes) == 0 {
			return
		}
		text = string(runes) + "…"
	}

	drawTextLeft(dst, face, text, x, baselineY, c)
}

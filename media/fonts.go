package media

import (
	"os"

	log "github.com/InjectiveLabs/suplog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

// fontSearchPaths lists fonts with Cyrillic glyph coverage in preference
// order. The first one that parses wins.
var fontSearchPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Bold.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
	"/usr/share/fonts/TTF/DejaVuSans.ttf",
	"/Library/Fonts/Arial Unicode.ttf",
}

const (
	fontSizeOldPrice  = 56
	fontSizeNewPrice  = 96
	fontSizeBadge     = 56
	fontSizeCurrency  = 48
	fontSizeWatermark = 28
)

type fontSet struct {
	oldPrice  font.Face
	newPrice  font.Face
	badge     font.Face
	currency  font.Face
	watermark font.Face
}

func loadFontSet(logger log.Logger) *fontSet {
	parsed := parseFirstFont(logger)
	if parsed == nil {
		logger.Warningln("no TTF font found, falling back to builtin bitmap face")
		face := basicfont.Face7x13
		return &fontSet{
			oldPrice:  face,
			newPrice:  face,
			badge:     face,
			currency:  face,
			watermark: face,
		}
	}

	return &fontSet{
		oldPrice:  mustFace(parsed, fontSizeOldPrice),
		newPrice:  mustFace(parsed, fontSizeNewPrice),
		badge:     mustFace(parsed, fontSizeBadge),
		currency:  mustFace(parsed, fontSizeCurrency),
		watermark: mustFace(parsed, fontSizeWatermark),
	}
}

func parseFirstFont(logger log.Logger) *sfnt.Font {
	for _, path := range fontSearchPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		parsed, err := opentype.Parse(data)
		if err != nil {
			logger.WithError(err).WithField("path", path).Warningln("failed to parse font")
			continue
		}

		return parsed
	}

	return nil
}

func mustFace(parsed *sfnt.Font, size float64) font.Face {
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

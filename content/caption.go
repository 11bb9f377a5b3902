package content

import (
	"fmt"
	"strings"
)

const (
	// MaxCaptionLen is the per-media caption budget in runes.
	MaxCaptionLen = 1024

	// MaxMirrorCaptionLen is the carousel caption budget in runes.
	MaxMirrorCaptionLen = 2200

	captionReserve = 10
)

// IntroText is the fixed channel message opening a daily selection.
const IntroText = "🔥 <b>Горячая подборка товаров!</b>\n\n" +
	"Лучшие находки дня с доставкой из Китая 🇨🇳\n" +
	"Цены уже в сомах, со скидками 👇"

// PriceBlock renders the deterministic price footer appended to every
// caption. The block always survives truncation.
func PriceBlock(price, oldPrice int64) string {
	savings := oldPrice - price
	return fmt.Sprintf("\n\n💰 <s>%d сом</s> → <b>%d сом</b>\n🔥 Экономия: %d сом!", oldPrice, price, savings)
}

// BuildCaption joins a generated description with the price block, keeping
// the total within MaxCaptionLen runes. The description is truncated with an
// ellipsis first so the price block always fits intact.
func BuildCaption(description string, price, oldPrice int64) string {
	block := PriceBlock(price, oldPrice)
	description = strings.TrimSpace(description)

	budget := MaxCaptionLen - len([]rune(block)) - captionReserve
	if budget < 0 {
		budget = 0
	}

	if runes := []rune(description); len(runes) > budget {
		cut := budget - 3
		if cut < 0 {
			cut = 0
		}
		description = string(runes[:cut]) + "..."
	}

	return description + block
}

// MirrorProduct is the slice of product data the carousel caption needs.
type MirrorProduct struct {
	Title       string
	Price       int64
	OldPrice    int64
	DiscountPct int
}

// indexEmojis number the first ten carousel lines; Instagram has no HTML, so
// emoji digits stand in for markup.
var indexEmojis = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣", "🔟"}

const (
	mirrorTitle   = "🔥 ТОП-10 ТОВАРОВ ДНЯ от Тулпар Экспресс!"
	mirrorTagline = "Лучшие скидки из Китая с доставкой в Бишкек 🚀"
	mirrorContact = "📲 Заказ: @tulpar_express или te.kg\n📦 Доставка 7-14 дней"
)

// BuildMirrorPost renders the carousel caption body: a plain-text product
// list with emoji numbering and the contact block. No HTML anywhere, the
// mirror platform renders tags literally.
func BuildMirrorPost(products []MirrorProduct) string {
	var b strings.Builder

	b.WriteString(mirrorTitle + "\n\n")
	b.WriteString(mirrorTagline + "\n\n")

	for i, p := range products {
		b.WriteString(mirrorProductLine(i+1, p))
		b.WriteByte('\n')
	}

	b.WriteString("\n" + mirrorContact)

	return b.String()
}

func mirrorProductLine(index int, p MirrorProduct) string {
	prefix := fmt.Sprintf("%d.", index)
	if index >= 1 && index <= len(indexEmojis) {
		prefix = indexEmojis[index-1]
	}

	if p.OldPrice > p.Price {
		line := fmt.Sprintf("%s %s — %s (было %s)", prefix, p.Title, mirrorPrice(p.Price), mirrorPrice(p.OldPrice))
		if p.DiscountPct > 0 {
			line += fmt.Sprintf(" (-%d%%)", p.DiscountPct)
		}
		return line
	}

	return fmt.Sprintf("%s %s — %s", prefix, p.Title, mirrorPrice(p.Price))
}

// mirrorPrice renders a price with space thousand separators, e.g. "1 299 сом".
func mirrorPrice(v int64) string {
	digits := fmt.Sprintf("%d", v)

	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(d)
	}
	b.WriteString(" сом")

	return b.String()
}

// BuildMirrorCaption joins a caption with hashtags for the carousel post,
// trimming hashtags first to honour the 2200-rune budget.
func BuildMirrorCaption(caption string, hashtags []string) string {
	caption = strings.TrimSpace(caption)

	for len(hashtags) > 0 {
		combined := caption + "\n\n" + strings.Join(hashtags, " ")
		if len([]rune(combined)) <= MaxMirrorCaptionLen {
			return combined
		}
		hashtags = hashtags[:len(hashtags)-1]
	}

	if runes := []rune(caption); len(runes) > MaxMirrorCaptionLen {
		return string(runes[:MaxMirrorCaptionLen-3]) + "..."
	}

	return caption
}

// TruncateText clips plain notification text to the given rune budget.
func TruncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}

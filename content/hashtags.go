package content

import (
	"regexp"
	"strings"
)

const (
	maxHashtags      = 15
	maxTitleHashtags = 5
)

// baseHashtags are always included and never trimmed.
var baseHashtags = []string{
	"бишкек",
	"кыргызстан",
	"доставкаизкитая",
	"тулпарэкспресс",
	"китай",
	"карго",
}

var categoryHashtags = map[string][]string{
	"headphones": {"техника", "гаджеты", "электроника", "наушники", "аксессуары", "гаджетыизкитая"},
	"gadgets":    {"техника", "гаджеты", "электроника", "смартфон", "техникаизкитая"},
	"clothing":   {"одежда", "мода", "стиль", "одеждаизкитая", "тренды"},
	"unisex":     {"одежда", "мода", "стиль", "унисекс"},
	"bags":       {"сумки", "аксессуары", "мода", "стиль"},
	"home":       {"дом", "интерьер", "уют", "товарыдлядома", "длядома"},
	"kitchen":    {"кухня", "дом", "уют", "товарыдлядома"},
	"beauty":     {"красота", "косметика", "уход", "косметикаизкитая", "макияж"},
	"kids":       {"дети", "детскиетовары", "игрушки", "длядетей", "родителям"},
	"sports":     {"спорт", "фитнес", "спорттовары", "активность"},
	"auto":       {"авто", "автотовары", "автоаксессуары", "длямашины"},
}

var genericHashtags = []string{
	"товарыизкитая", "выгодно", "скидки", "распродажа", "акция", "качество",
}

var titleWordRe = regexp.MustCompile(`[^a-zа-яё\s]+`)

var stopWords = map[string]struct{}{
	"для": {}, "или": {}, "это": {}, "как": {}, "что": {}, "при": {},
	"под": {}, "над": {}, "без": {}, "про": {}, "через": {}, "после": {},
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "this": {}, "that": {},
}

// Hashtags composes up to 15 tags from the base set, the category set and a
// few title keywords. Base tags always survive the cap.
func Hashtags(category, title string) []string {
	tags := make([]string, 0, maxHashtags)
	seen := make(map[string]struct{}, maxHashtags)

	add := func(tag string) {
		if _, ok := seen[tag]; ok || len(tags) >= maxHashtags {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	for _, tag := range baseHashtags {
		add(tag)
	}

	for _, tag := range categoryHashtags[strings.ToLower(strings.TrimSpace(category))] {
		add(tag)
	}

	for _, tag := range titleKeywords(title) {
		add(tag)
	}

	for _, tag := range genericHashtags {
		if len(tags) >= maxHashtags {
			break
		}
		add(tag)
	}

	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = append(out, "#"+tag)
	}
	return out
}

func titleKeywords(title string) []string {
	cleaned := titleWordRe.ReplaceAllString(strings.ToLower(title), " ")

	keywords := make([]string, 0, maxTitleHashtags)
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(cleaned) {
		if len(keywords) >= maxTitleHashtags {
			break
		}
		if n := len([]rune(word)); n < 4 || n > 20 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
	}

	return keywords
}

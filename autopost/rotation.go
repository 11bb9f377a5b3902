package autopost

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/InjectiveLabs/suplog"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// categoryKeywords maps a category to its marketplace search phrase. Chinese
// keywords match the primary marketplace's index best.
var categoryKeywords = map[string]string{
	"headphones": "蓝牙耳机 无线",
	"gadgets":    "智能手表 数码",
	"bags":       "背包 双肩包",
	"clothing":   "卫衣 男女",
	"unisex":     "休闲服装 男女通用",
	"home":       "家居 收纳",
	"kitchen":    "厨房 用品",
	"beauty":     "护肤 化妆",
	"kids":       "儿童 玩具",
	"sports":     "运动 健身",
	"auto":       "汽车 配件",
}

// categoryGroups is the daily rotation: three categories per day so the
// channel mixes product types.
var categoryGroups = [][]string{
	{"headphones", "bags", "beauty"},
	{"gadgets", "unisex", "home"},
	{"sports", "kids", "kitchen"},
	{"headphones", "unisex", "beauty"},
	{"gadgets", "bags", "sports"},
	{"home", "kids", "unisex"},
	{"headphones", "kitchen", "unisex"},
	{"gadgets", "beauty", "sports"},
	{"bags", "home", "unisex"},
	{"headphones", "auto", "beauty"},
}

const minPerKeyBudget = 10

// Rotation resolves which categories (and search keywords) a given day uses.
// The builtin tables can be extended from TOML feed files.
type Rotation struct {
	keywords map[string]string
	groups   [][]string
}

func NewRotation() *Rotation {
	keywords := make(map[string]string, len(categoryKeywords))
	for k, v := range categoryKeywords {
		keywords[k] = v
	}

	groups := make([][]string, len(categoryGroups))
	for i, g := range categoryGroups {
		groups[i] = append([]string{}, g...)
	}

	return &Rotation{
		keywords: keywords,
		groups:   groups,
	}
}

// rotationFeed is the TOML override shape: extra categories and optional
// replacement groups.
type rotationFeed struct {
	Categories map[string]string `toml:"categories"`
	Groups     [][]string        `toml:"groups"`
}

// LoadFeeds walks a directory of TOML files and merges them into the
// rotation. Unknown files are skipped with a warning.
func (r *Rotation) LoadFeeds(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".toml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read feed file %s", path)
		}

		var feed rotationFeed
		if err := toml.Unmarshal(data, &feed); err != nil {
			log.WithError(err).WithField("path", path).Warningln("skipping malformed feed file")
			return nil
		}

		for category, keyword := range feed.Categories {
			r.keywords[category] = keyword
		}
		if len(feed.Groups) > 0 {
			r.groups = feed.Groups
		}

		log.WithField("path", path).Infoln("category feed loaded")
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to walk feeds dir %s", dir)
	}

	return nil
}

// GroupFor picks the day's categories from the rotation table, indexed by
// day-of-year.
func (r *Rotation) GroupFor(day time.Time) []string {
	idx := day.YearDay() % len(r.groups)
	return r.groups[idx]
}

// Keyword resolves a category to its search phrase; an unknown category is
// used verbatim, so operators can post ad-hoc searches.
func (r *Rotation) Keyword(category string) string {
	if kw, ok := r.keywords[category]; ok {
		return kw
	}
	return category
}

// PerKeyBudget splits the run's product budget across the day's keys,
// never dropping below a useful minimum per key.
func (r *Rotation) PerKeyBudget(maxProducts, keys int) int {
	if keys < 1 {
		keys = 1
	}

	budget := maxProducts / keys
	if budget < minPerKeyBudget {
		budget = minPerKeyBudget
	}
	return budget
}

package store

import (
	"time"

	"github.com/shopspring/decimal"
	null "gopkg.in/guregu/null.v4"
)

// PostStatus mirrors the lifecycle of a published post.
type PostStatus string

const (
	PostStatusPending       PostStatus = "PENDING"
	PostStatusBroadcastOnly PostStatus = "BROADCAST_ONLY"
	PostStatusPublished     PostStatus = "PUBLISHED"
	PostStatusMirrorFailed  PostStatus = "MIRROR_FAILED"
)

// PostRow is one published (or attempted) daily post with its product
// snapshot serialised into products_json.
type PostRow struct {
	ID                 int64
	BroadcastMessageID null.Int
	MirrorPostID       null.String
	ProductsJSON       []byte
	Status             PostStatus
	CreatedAt          time.Time
	PublishedAt        null.Time
}

// ProductRow is the cached marketplace product used for the outage fallback.
type ProductRow struct {
	ID          int64
	SourceID    string
	Source      string
	Title       string
	PriceNative decimal.Decimal
	ImageURL    string
	Rating      float64
	Discount    int
	SalesCount  int64
	Category    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

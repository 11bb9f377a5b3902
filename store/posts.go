package store

import (
	"context"
	"time"

	"github.com/InjectiveLabs/metrics"
	"github.com/pkg/errors"
)

const (
	postsPageDefault = 20
	postsPageMax     = 100
)

// CreatePost inserts the post row. A post inserted in any status other than
// PENDING gets its published_at stamped immediately.
func (s *Store) CreatePost(ctx context.Context, post *PostRow) (int64, error) {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	var publishedAt interface{}
	if post.Status != PostStatusPending {
		publishedAt = time.Now().UTC()
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (broadcast_message_id, mirror_post_id, products_json, status, published_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		post.BroadcastMessageID, post.MirrorPostID, post.ProductsJSON, post.Status, publishedAt,
	).Scan(&id)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return 0, errors.Wrap(err, "failed to insert post")
	}

	return id, nil
}

// MarkMirrorPublished upgrades a MIRROR_FAILED post once the mirror publish
// eventually succeeded.
func (s *Store) MarkMirrorPublished(ctx context.Context, postID int64, mirrorPostID string) error {
	metrics.ReportFuncCall(s.svcTags)

	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET mirror_post_id = $2, status = $3
		WHERE id = $1 AND status = $4`,
		postID, mirrorPostID, PostStatusPublished, PostStatusMirrorFailed,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrap(err, "failed to update post mirror id")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("post %d is not in %s state", postID, PostStatusMirrorFailed)
	}

	return nil
}

// ListPosts returns recent posts newest-first. Page numbers start at 1 and
// the page size is clamped to [1, 100].
func (s *Store) ListPosts(ctx context.Context, page, pageSize int) ([]*PostRow, error) {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = postsPageDefault
	} else if pageSize > postsPageMax {
		pageSize = postsPageMax
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, broadcast_message_id, mirror_post_id, products_json, status, created_at, published_at
		FROM posts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return nil, errors.Wrap(err, "failed to query posts")
	}
	defer rows.Close()

	var posts []*PostRow
	for rows.Next() {
		post := new(PostRow)
		if err := rows.Scan(
			&post.ID,
			&post.BroadcastMessageID,
			&post.MirrorPostID,
			&post.ProductsJSON,
			&post.Status,
			&post.CreatedAt,
			&post.PublishedAt,
		); err != nil {
			metrics.ReportFuncError(s.svcTags)
			return nil, errors.Wrap(err, "failed to scan post row")
		}
		posts = append(posts, post)
	}

	return posts, rows.Err()
}

package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
)

// fetchPaginated walks pages from first_page until a page has no data rows,
// repeats an earlier page, or max_pages is reached. The first page is always
// kept so the parser can check its header even when it is empty.
func fetchPaginated(ctx context.Context, c *call) ([]model.Page, error) {
	req := c.src.Request
	limit := req.PageLimit()
	seen := map[string]int{}
	var pages []model.Page

	for i := range limit {
		if err := ctx.Err(); err != nil {
			return nil, c.classify(req.URL, err)
		}
		n := req.FirstPage + i
		r, err := c.request(req.URL, n)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, r)
		if err != nil {
			return nil, err
		}
		page := toPage(resp)

		rows, sig, err := parse.TableSignature(page, c.src.Parse)
		if err != nil {
			return nil, c.fail(r.URL, "page signature", err)
		}
		if rows == 0 {
			if len(pages) == 0 {
				pages = append(pages, page)
			}
			c.log.Debug("pagination stopped on empty page", zap.Int("page", n))
			return pages, nil
		}
		if prev, dup := seen[sig]; dup {
			c.log.Warn("pagination stopped on repeated page",
				zap.Int("page", n), zap.Int("repeats", prev))
			return pages, nil
		}
		seen[sig] = n
		pages = append(pages, page)
	}

	c.log.Warn("pagination stopped at max_pages", zap.Int("max_pages", limit))
	return pages, nil
}

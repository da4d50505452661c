package gcp

import "context"

// CollectPages drains a paginated listing, stopping early when ctx is done.
func CollectPages[Page any, Item any](
	ctx context.Context,
	hasMore func() bool,
	nextPage func(context.Context) (Page, error),
	extract func(Page) []Item,
) ([]Item, error) {
	var items []Item
	for hasMore() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := nextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, extract(page)...)
	}
	return items, nil
}

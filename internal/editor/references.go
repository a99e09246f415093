package editor

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
)

type reference struct {
	kind catalog.Kind
	id   catalog.ID
}

// registerReferences resolves subcategory and vendor names typed without an
// id. Known names reuse the cached record; unseen names are queued with an
// offline id so the tea can point at them before they reach the server.
func (e *Editor) registerReferences(ctx context.Context, tea catalog.Tea) (catalog.Tea, []reference, error) {
	var created []reference
	if tea.Subcategory != nil && tea.Subcategory.ID.IsZero() && strings.TrimSpace(tea.Subcategory.Name) != "" {
		subcategory, isNew, err := adHoc(ctx, e, catalog.KindSubcategory, e.cache.Subcategories, *tea.Subcategory,
			func(s catalog.Subcategory) string { return s.Name })
		if err != nil {
			return catalog.Tea{}, nil, err
		}
		if isNew {
			created = append(created, reference{kind: catalog.KindSubcategory, id: subcategory.ID})
		}
		tea.Subcategory = &subcategory
	}
	if tea.Vendor != nil && tea.Vendor.ID.IsZero() && strings.TrimSpace(tea.Vendor.Name) != "" {
		vendor, isNew, err := adHoc(ctx, e, catalog.KindVendor, e.cache.Vendors, *tea.Vendor,
			func(v catalog.Vendor) string { return v.Name })
		if err != nil {
			return catalog.Tea{}, nil, err
		}
		if isNew {
			created = append(created, reference{kind: catalog.KindVendor, id: vendor.ID})
		}
		tea.Vendor = &vendor
	}
	return tea, created, nil
}

func adHoc[T catalog.Record[T]](ctx context.Context, e *Editor, kind catalog.Kind, collection *cache.Collection[T], record T, nameOf func(T) string) (T, bool, error) {
	name := strings.TrimSpace(nameOf(record))
	for _, existing := range collection.Items() {
		if strings.EqualFold(strings.TrimSpace(nameOf(existing)), name) {
			return existing, false, nil
		}
	}

	var stored T
	err := e.uploader.Exclusive(func() error {
		id, err := queue.Enqueue(ctx, e.queue, kind, record)
		if err != nil {
			return err
		}
		stored = record.WithID(id)
		return collection.Add(stored)
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return stored, true, nil
}

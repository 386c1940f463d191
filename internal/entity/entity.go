// Package entity holds the pieces every entity store shares: loaders that
// turn remote rows into cached records, placeholder ids for speculative
// creates, and the reorder mutation.
package entity

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/validate"
)

// PlaceholderPrefix marks records that exist only as a speculative create.
const PlaceholderPrefix = "temp-"

// NewIDs returns a placeholder id for the speculative record and the id the
// remote insert will carry. The server id is the placeholder minus its
// prefix, so later mutations can target a record before its create lands.
func NewIDs() (placeholder, server string) {
	server = uuid.NewString()
	return PlaceholderPrefix + server, server
}

// IsPlaceholder reports whether id belongs to an unconfirmed create.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// ServerID maps a placeholder id to the id its insert will carry. Other ids
// are returned unchanged.
func ServerID(id string) string {
	return strings.TrimPrefix(id, PlaceholderPrefix)
}

// SameRecord reports whether a and b name the same record, treating a
// placeholder as equal to its server id.
func SameRecord(a, b string) bool {
	return ServerID(a) == ServerID(b)
}

// Decode converts remote rows to records.
func Decode[T cache.Record](rows []remote.Row, decode func(remote.Row) T) []T {
	out := make([]T, len(rows))
	for i, row := range rows {
		out[i] = decode(row)
	}
	return out
}

// Loader builds a cache loader that selects the rows query returns for a key
// and decodes them in order.
func Loader[T cache.Record](client remote.Client, collection string, query func(cache.Key) remote.Query, decode func(remote.Row) T) cache.Loader {
	return func(ctx context.Context, key cache.Key) ([]cache.Record, error) {
		rows, err := client.Select(ctx, collection, query(key))
		if err != nil {
			return nil, err
		}
		return records.From(Decode(rows, decode)), nil
	}
}

// Insert writes row, which must carry a client-generated id. When the insert
// reports already_exists because a row with that id is present, an earlier
// attempt landed without its response reaching us, and that row is returned.
// Conflicts on other unique columns still fail.
func Insert(ctx context.Context, client remote.Client, collection string, row remote.Row) (remote.Row, error) {
	saved, err := client.Insert(ctx, collection, row)
	if err == nil || errs.CodeOf(err) != errs.AlreadyExists {
		return saved, err
	}
	id := row.String("id")
	if id == "" {
		return nil, err
	}
	existing, selErr := client.Select(ctx, collection, remote.Where("id", id))
	if selErr != nil || len(existing) != 1 {
		return nil, err
	}
	return existing[0], nil
}

// Upsert returns current with the record whose id matches saved (or its
// placeholder) replaced by saved. When it is missing, current is returned
// unchanged; the follow-up refresh brings it in.
func Upsert[T cache.Record](current []cache.Record, saved T) []cache.Record {
	i := slices.IndexFunc(current, func(r cache.Record) bool {
		return SameRecord(r.RecordID(), saved.RecordID())
	})
	if i < 0 {
		return current
	}
	out := slices.Clone(current)
	out[i] = saved
	return out
}

// ReconcileSaved is a Reconcile step for mutations whose commit returns the
// saved record.
func ReconcileSaved[T cache.Record](_ cache.Key, current []cache.Record, result any) []cache.Record {
	saved, ok := result.(T)
	if !ok {
		return current
	}
	return Upsert(current, saved)
}

// Siblings maps record ids to titles for uniqueness checks.
func Siblings[T cache.Record](items []T, title func(T) string) map[string]string {
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.RecordID()] = title(it)
	}
	return out
}

// Reorder builds a mutation that puts the records under key into the order
// ids gives and writes dense positions. Only records whose position changed
// are written. The writes run concurrently and any failure fails the whole
// reorder; the moved rows then get their previous positions written back so
// the next read still sees a dense order. Placeholders are written under
// their server id, which exists by then because creates on the same key
// commit first.
func Reorder[T records.Positioned[T]](c *cache.Cache, client remote.Client, collection string, key cache.Key, ids []string) executor.Mutation {
	var (
		moved []T
		prior map[string]int
	)
	return executor.Mutation{
		Kind:       executor.KindReorder,
		Collection: collection,
		Keys:       []cache.Key{key},
		Validate: func() error {
			for _, id := range ids {
				if err := validate.ID("id", id); err != nil {
					return err
				}
			}
			entry, _ := c.Get(key)
			_, err := records.Permute(records.Of[T](entry.Value), ids)
			return err
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			before := records.Of[T](current)
			ordered, err := records.Permute(before, ids)
			if err != nil {
				return nil, err
			}
			prior = make(map[string]int, len(before))
			for _, r := range before {
				prior[r.RecordID()] = r.Position()
			}
			after := records.Reindex(ordered)
			moved = records.Moved(before, after)
			return records.From(after), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			err := writePositions(ctx, client, collection, moved, func(r T) int { return r.Position() })
			if err == nil {
				return nil, nil
			}
			// Some writes may have landed; put every moved row back.
			restoreErr := writePositions(context.WithoutCancel(ctx), client, collection, moved, func(r T) int { return prior[r.RecordID()] })
			if restoreErr != nil {
				obs.From(ctx).Error("reorder restore failed",
					"collection", collection,
					"key", key.String(),
					"error", restoreErr,
				)
			}
			return nil, err
		},
	}
}

func writePositions[T records.Positioned[T]](ctx context.Context, client remote.Client, collection string, rows []T, position func(T) int) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range rows {
		g.Go(func() error {
			_, err := client.Update(ctx, collection, ServerID(r.RecordID()), remote.Row{"order_index": position(r)})
			return err
		})
	}
	return g.Wait()
}

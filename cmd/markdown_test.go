package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleenprd/docbt/internal/cache"
	"github.com/aleenprd/docbt/internal/engine"
	"github.com/aleenprd/docbt/internal/schema"
)

func docSource() *schema.DataSource {
	return &schema.DataSource{
		Name:    "analytics",
		Backend: "postgres",
		Tables: []*schema.Table{
			{
				Name:        "users",
				Description: "Registered customer accounts.",
				Columns: []*schema.Column{
					{Name: "id", Type: schema.TypeInteger, Ordinal: 0, Description: "Surrogate key."},
					{Name: "email", Type: schema.TypeString, Nullable: true, Ordinal: 1, Description: "Contact email | may be null."},
				},
			},
			{
				Name: "orders",
				Columns: []*schema.Column{
					{Name: "user_id", Type: schema.TypeInteger, Ordinal: 0},
				},
			},
		},
		Relationships: []schema.Relationship{
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id", Kind: schema.RelForeignKey},
		},
	}
}

func TestRenderMarkdown(t *testing.T) {
	results := []engine.Result{
		{Node: schema.TableRef("users"), State: engine.StateSucceeded},
		{Node: schema.ColumnRef("users", "id"), State: engine.StateSucceeded},
		{Node: schema.ColumnRef("users", "email"), State: engine.StateSucceeded},
		{Node: schema.TableRef("orders"), State: engine.StateFailed, Err: "boom"},
		{Node: schema.ColumnRef("orders", "user_id"), State: engine.StateSkipped},
	}

	doc := renderMarkdown(docSource(), results)

	assert.Contains(t, doc, "# analytics")
	assert.Contains(t, doc, "## users")
	assert.Contains(t, doc, "Registered customer accounts.")
	assert.Contains(t, doc, "| id | integer | no | Surrogate key. |")
	// Pipes in generated text must not break the table.
	assert.Contains(t, doc, `Contact email \| may be null.`)
	assert.Contains(t, doc, "_Description unavailable (failed)._")
	assert.Contains(t, doc, "_unavailable (skipped)_")
	assert.Contains(t, doc, "`orders.user_id` → `users.id` (foreign-key)")
}

func TestReadThroughHidesEntriesKeepsWrites(t *testing.T) {
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	entry := cache.Entry{Fingerprint: "abc", Text: "cached"}
	require.NoError(t, store.Put(ctx, entry))

	rt := readThrough{store}

	_, ok, err := rt.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok, "forced runs never see existing entries")

	require.NoError(t, rt.Put(ctx, cache.Entry{Fingerprint: "abc", Text: "fresh"}))

	got, ok, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", got.Text, "write-through still lands in the store")
}

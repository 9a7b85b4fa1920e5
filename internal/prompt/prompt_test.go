package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleenprd/docbt/internal/errors"
	"github.com/aleenprd/docbt/internal/schema"
)

func testSource() *schema.DataSource {
	return &schema.DataSource{
		Name:    "analytics",
		Backend: "postgres",
		Tables: []*schema.Table{
			{
				Name: "users",
				Columns: []*schema.Column{
					{Name: "id", Type: schema.TypeInteger, Ordinal: 0},
					{Name: "email", Type: schema.TypeString, Nullable: true, Ordinal: 1},
				},
				SampleRows: []schema.Row{
					{{Raw: "1"}, {Raw: "a@example.com"}},
					{{Raw: "2"}, {Null: true}},
				},
			},
			{
				Name: "orders",
				Columns: []*schema.Column{
					{Name: "id", Type: schema.TypeInteger, Ordinal: 0},
					{Name: "user_id", Type: schema.TypeInteger, Ordinal: 1},
				},
			},
		},
		Relationships: []schema.Relationship{
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id", Kind: schema.RelForeignKey},
		},
	}
}

func TestBuildDeterministic(t *testing.T) {
	builder := New(DefaultTemplates())
	pctx := Context{Source: testSource()}

	for _, ref := range []schema.NodeRef{
		schema.TableRef("users"),
		schema.ColumnRef("users", "email"),
	} {
		first, err := builder.Build(ref, pctx)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			again, err := builder.Build(ref, pctx)
			require.NoError(t, err)
			assert.Equal(t, first, again, "build must be byte-identical for %s", ref.Path())
		}
	}
}

func TestBuildTablePrompt(t *testing.T) {
	builder := New(DefaultTemplates())

	req, err := builder.Build(schema.TableRef("users"), Context{Source: testSource()})
	require.NoError(t, err)

	assert.Contains(t, req.Prompt, "Data source: analytics (postgres)")
	assert.Contains(t, req.Prompt, "Table: users")
	assert.Contains(t, req.Prompt, "- id (integer, not null)")
	assert.Contains(t, req.Prompt, "- email (string, nullable)")
	assert.Contains(t, req.Prompt, "Sample rows (id, email):")
	assert.Contains(t, req.Prompt, "1, a@example.com")
	assert.Contains(t, req.Prompt, "2, NULL")
	assert.NotEmpty(t, req.System)
}

func TestBuildTableRelationships(t *testing.T) {
	builder := New(DefaultTemplates())

	req, err := builder.Build(schema.TableRef("orders"), Context{Source: testSource()})
	require.NoError(t, err)

	assert.Contains(t, req.Prompt, "orders.user_id -> users.id (foreign-key)")
}

func TestBuildColumnPrompt(t *testing.T) {
	builder := New(DefaultTemplates())

	req, err := builder.Build(schema.ColumnRef("users", "email"), Context{Source: testSource()})
	require.NoError(t, err)

	assert.Contains(t, req.Prompt, "Column: users.email")
	assert.Contains(t, req.Prompt, "Type: string, nullable")
	assert.Contains(t, req.Prompt, "Sibling columns:\n- id (integer)")
	assert.NotContains(t, req.Prompt, "- email (string)", "column must not list itself as a sibling")
	assert.Contains(t, req.Prompt, "Sample values: a@example.com, NULL")
	assert.Contains(t, req.Prompt, "Profile: 1 non-null, 1 null")
}

func TestBuildColumnSummariesInOrdinalOrder(t *testing.T) {
	builder := New(DefaultTemplates())

	req, err := builder.Build(schema.TableRef("users"), Context{
		Source: testSource(),
		ColumnSummaries: map[string]string{
			"email": "Customer email address.",
			"id":    "Surrogate primary key.",
		},
	})
	require.NoError(t, err)

	assert.Contains(t, req.Prompt, "Column descriptions:")

	idPos := strings.Index(req.Prompt, "- id: Surrogate primary key.")
	emailPos := strings.Index(req.Prompt, "- email: Customer email address.")
	require.GreaterOrEqual(t, idPos, 0)
	require.GreaterOrEqual(t, emailPos, 0)
	assert.Less(t, idPos, emailPos, "summaries follow ordinal order")
}

func TestBuildTruncatesSampleRowsFromTail(t *testing.T) {
	src := testSource()
	users := src.Table("users")

	users.SampleRows = nil
	for i := 0; i < 20; i++ {
		users.SampleRows = append(users.SampleRows, schema.Row{
			{Raw: fmt.Sprintf("%d", i)},
			{Raw: fmt.Sprintf("user%d@example.com", i)},
		})
	}

	builder := New(DefaultTemplates())

	full, err := builder.Build(schema.TableRef("users"), Context{Source: src})
	require.NoError(t, err)
	assert.Contains(t, full.Prompt, "user19@example.com")

	// A budget slightly above the minimal prompt keeps early rows and
	// drops late ones.
	budget := estimateTokens(full.Prompt)/2 + estimateTokens(DefaultTemplates().System) + DefaultTemplates().MaxTokens

	truncated, err := builder.Build(schema.TableRef("users"), Context{Source: src, MaxContextTokens: budget})
	require.NoError(t, err)
	assert.NotContains(t, truncated.Prompt, "user19@example.com")
	assert.Contains(t, truncated.Prompt, "Table: users")
}

func TestBuildPromptTooLarge(t *testing.T) {
	builder := New(DefaultTemplates())

	_, err := builder.Build(schema.TableRef("users"), Context{Source: testSource(), MaxContextTokens: 10})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPromptTooLarge))
}

func TestBuildUnknownNode(t *testing.T) {
	builder := New(DefaultTemplates())

	_, err := builder.Build(schema.TableRef("missing"), Context{Source: testSource()})
	assert.Error(t, err)

	_, err = builder.Build(schema.ColumnRef("users", "missing"), Context{Source: testSource()})
	assert.Error(t, err)
}

func TestLoadTemplates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")

	require.NoError(t, os.WriteFile(path, []byte("system: Custom system.\ntemperature: 0.7\n"), 0o600))

	tmpl, err := LoadTemplates(path)
	require.NoError(t, err)

	assert.Equal(t, "Custom system.", tmpl.System)
	assert.InDelta(t, 0.7, tmpl.Temperature, 0.001)
	// Untouched fields keep defaults.
	assert.Equal(t, DefaultTemplates().TableInstruction, tmpl.TableInstruction)
}

func TestLoadTemplatesMissingFile(t *testing.T) {
	_, err := LoadTemplates(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

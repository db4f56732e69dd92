package sqlloader_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/deicod/asyncjinja/adapters/sqlloader"
	"github.com/deicod/asyncjinja/runtime"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every pooled connection would get its own in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newLoader(t *testing.T, opts ...sqlloader.Option) (*sqlloader.Loader, *sql.DB) {
	t.Helper()
	db := openDB(t)
	loader, err := sqlloader.New(db, opts...)
	require.NoError(t, err)
	require.NoError(t, loader.EnsureSchema(context.Background()))
	return loader, db
}

func TestLoader_GetSource(t *testing.T) {
	loader, _ := newLoader(t)
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, loader.Put(ctx, "hello.html", "Hello {{ name }}!", stamp))

	src, err := loader.GetSource(ctx, "hello.html")
	require.NoError(t, err)
	assert.Equal(t, "Hello {{ name }}!", src.Text)
	assert.Empty(t, src.Origin)
	require.NotNil(t, src.UpToDate)

	fresh, err := src.UpToDate(ctx)
	require.NoError(t, err)
	assert.True(t, fresh)

	_, err = loader.GetSource(ctx, "missing.html")
	assert.True(t, runtime.IsNotFound(err))
}

func TestLoader_ProbeFollowsUpdatedAt(t *testing.T) {
	loader, _ := newLoader(t)
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, loader.Put(ctx, "page", "v1", stamp))

	src, err := loader.GetSource(ctx, "page")
	require.NoError(t, err)

	require.NoError(t, loader.Put(ctx, "page", "v2", stamp.Add(time.Minute)))
	fresh, err := src.UpToDate(ctx)
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, loader.Delete(ctx, "page"))
	fresh, err = src.UpToDate(ctx)
	require.NoError(t, err)
	assert.False(t, fresh, "deleted rows are stale")
}

func TestLoader_NullUpdatedAtHasNoProbe(t *testing.T) {
	loader, db := newLoader(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO templates (name, source, updated_at) VALUES (?, ?, NULL)`, "page", "x")
	require.NoError(t, err)

	src, err := loader.GetSource(ctx, "page")
	require.NoError(t, err)
	assert.Nil(t, src.UpToDate)
}

func TestLoader_AutoReloadDisabled(t *testing.T) {
	loader, _ := newLoader(t, sqlloader.WithAutoReload(false))
	ctx := context.Background()
	require.NoError(t, loader.Put(ctx, "page", "x", time.Now()))

	src, err := loader.GetSource(ctx, "page")
	require.NoError(t, err)
	assert.Nil(t, src.UpToDate)
}

func TestLoader_ListTemplates(t *testing.T) {
	loader, _ := newLoader(t, sqlloader.WithTable("site_templates"))
	ctx := context.Background()
	assert.Equal(t, "site_templates", loader.Table())
	for _, name := range []string{"b.html", "a.html", "c.txt"} {
		require.NoError(t, loader.Put(ctx, name, name, time.Now()))
	}

	names, err := loader.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.html", "b.html", "c.txt"}, names)
}

func TestLoader_RejectsInvalidTable(t *testing.T) {
	_, err := sqlloader.New(openDB(t), sqlloader.WithTable("templates; DROP TABLE x"))
	var cfgErr *runtime.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoader_EnvironmentReloadsUpdatedRows(t *testing.T) {
	loader, _ := newLoader(t)
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, loader.Put(ctx, "layout", "<{% block body %}{% endblock %}>", stamp))
	require.NoError(t, loader.Put(ctx, "page", `{% extends "layout" %}{% block body %}v1{% endblock %}`, stamp))

	env := runtime.NewEnvironment(runtime.WithLoader(loader))
	render := func() string {
		tmpl, err := env.GetTemplate(ctx, "page", "", nil)
		require.NoError(t, err)
		out, err := tmpl.Render(ctx, nil)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, "<v1>", render())
	require.NoError(t, loader.Put(ctx, "page", `{% extends "layout" %}{% block body %}v2{% endblock %}`, stamp.Add(time.Second)))
	assert.Equal(t, "<v2>", render())

	names, err := env.ListTemplates(ctx, runtime.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"layout", "page"}, names)
}

package store

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/params"
)

// newTestPostgres connects to OMNISPECTIVE_TEST_DATABASE_URL. Each test
// works under its own app, deleted on cleanup, so a shared database is fine.
func newTestPostgres(t *testing.T) (*Postgres, capture.App) {
	t.Helper()
	databaseURL := os.Getenv("OMNISPECTIVE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("OMNISPECTIVE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pg, err := NewPostgres(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.EnsureSchema(ctx))

	app, err := pg.CreateApp(ctx, "app-"+uuid.NewString(), "Integration")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.DeleteApp(context.Background(), app.ID) })
	return pg, app
}

func countRows(t *testing.T, pg *Postgres, table string) int {
	t.Helper()
	var count int
	require.NoError(t, pg.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM `+table).Scan(&count))
	return count
}

func TestPostgresUnknownAppCodeWritesNothing(t *testing.T) {
	pg, _ := newTestPostgres(t)
	ctx := context.Background()
	sessionsBefore := countRows(t, pg, "client_sessions")
	requestsBefore := countRows(t, pg, "client_requests")

	_, err := pg.InsertRequest(ctx, capture.ClientRequest{Method: "GET", Path: "/"}, capture.SessionRef{
		Key:            "abc",
		AppCode:        "missing-" + uuid.NewString(),
		ClientUsername: "client",
	}, true)

	var validation *capture.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, capture.MsgAppCodeInvalid, validation.Message)
	assert.Equal(t, sessionsBefore, countRows(t, pg, "client_sessions"))
	assert.Equal(t, requestsBefore, countRows(t, pg, "client_requests"))
}

func TestPostgresMissingSessionNeedsCreatePermission(t *testing.T) {
	pg, app := newTestPostgres(t)
	ctx := context.Background()

	_, err := pg.InsertRequest(ctx, capture.ClientRequest{Method: "GET", Path: "/"}, capture.SessionRef{
		Key:     "abc",
		AppCode: app.Code,
	}, false)
	assert.ErrorIs(t, err, auth.ErrAuthorization)

	sessions, total, err := pg.ListSessions(ctx, capture.SessionFilter{AppCode: app.Code}, capture.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, sessions)
}

func TestPostgresReplaceParametersIsIdempotent(t *testing.T) {
	pg, app := newTestPostgres(t)
	ctx := context.Background()

	request, err := pg.InsertRequest(ctx, capture.ClientRequest{Method: "POST", Path: "/p"}, capture.SessionRef{
		Key:     "abc",
		AppCode: app.Code,
	}, true)
	require.NoError(t, err)

	query := []params.Pair{{Position: 0, Key: "get", Value: "query"}}
	form := []params.Pair{
		{Position: 0, Key: "the", Value: "pay-load"},
		{Position: 1, Key: "such", Value: "&such"},
	}
	for range 2 {
		require.NoError(t, pg.ReplaceParameters(ctx, request.ID, query, form))
	}

	stored, err := pg.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, query, stored.QueryParameters)
	assert.Equal(t, form, stored.FormParameters)

	require.NoError(t, pg.ReplaceParameters(ctx, request.ID, nil, nil))
	stored, err = pg.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.QueryParameters)
	assert.Empty(t, stored.FormParameters)
}

func TestPostgresDuplicateCaptureIDIsValidationError(t *testing.T) {
	pg, app := newTestPostgres(t)
	ctx := context.Background()
	ref := capture.SessionRef{Key: "abc", AppCode: app.Code}
	request := capture.ClientRequest{CaptureID: uuid.NewString(), Method: "GET", Path: "/"}

	_, err := pg.InsertRequest(ctx, request, ref, true)
	require.NoError(t, err)

	_, err = pg.InsertRequest(ctx, request, ref, true)
	var validation *capture.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "capture id already recorded", validation.Message)
}

func TestPostgresGetAppByIDIgnoresNumericCodes(t *testing.T) {
	pg, app := newTestPostgres(t)
	ctx := context.Background()

	shadow, err := pg.CreateApp(ctx, strconv.FormatInt(app.ID, 10), "Shadow")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.DeleteApp(context.Background(), shadow.ID) })

	byID, err := pg.GetAppByID(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.Code, byID.Code)
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/replexport/internal/client"
)

// fakeGraphQL answers operations from canned envelopes and records the
// variables of each call.
type fakeGraphQL struct {
	responses []string
	err       error
	calls     []map[string]any
	ops       []string
}

func (f *fakeGraphQL) GraphQL(_ context.Context, operationName string, variables map[string]any, _ string, result any) (*client.GraphQLResponse, error) {
	f.ops = append(f.ops, operationName)
	f.calls = append(f.calls, variables)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no canned response")
	}
	raw := f.responses[0]
	f.responses = f.responses[1:]

	envelope := &client.GraphQLResponse{StatusCode: 200}
	if err := json.Unmarshal([]byte(raw), envelope); err != nil {
		return nil, err
	}
	if result != nil && envelope.HasData() {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return nil, err
		}
	}
	return envelope, nil
}

func TestFetchIdentity(t *testing.T) {
	gql := &fakeGraphQL{responses: []string{`{"data":{"currentUser":{"id":42,"username":"ada"}}}`}}
	c := New(gql, nil, nil)

	id, err := c.FetchIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, []string{opCurrentUser}, gql.ops)
}

func TestFetchIdentityUnauthenticated(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"null user", `{"data":{"currentUser":null}}`},
		{"null data", `{"data":null,"errors":[{"message":"unauthorized"}]}`},
		{"no data", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeGraphQL{responses: []string{tt.body}}, nil, nil)
			_, err := c.FetchIdentity(context.Background())
			require.Error(t, err)
			assert.True(t, IsAuthentication(err))
		})
	}
}

func TestFetchIdentityTransportError(t *testing.T) {
	c := New(&fakeGraphQL{err: errors.New("boom")}, nil, nil)
	_, err := c.FetchIdentity(context.Background())
	require.Error(t, err)
	assert.False(t, IsAuthentication(err))
	assert.Contains(t, err.Error(), "boom")
}

func pageJSON(t *testing.T, items []Repl, hasNext bool, cursor *string) string {
	t.Helper()
	page := map[string]any{
		"data": map[string]any{
			"currentUser": map[string]any{
				"exportRepls": Page{Items: items, PageInfo: PageInfo{HasNextPage: hasNext, NextCursor: cursor}},
			},
		},
	}
	raw, err := json.Marshal(page)
	require.NoError(t, err)
	return string(raw)
}

func ptr(s string) *string { return &s }

func TestFetchNextPageAdvancesCursor(t *testing.T) {
	gql := &fakeGraphQL{responses: []string{
		pageJSON(t, []Repl{{ID: "a", Slug: "alpha"}, {ID: "b", Slug: "beta"}}, true, ptr("c1")),
		pageJSON(t, []Repl{{ID: "c", Slug: "gamma"}}, true, ptr("c2")),
	}}
	c := New(gql, nil, nil)

	items, err := c.FetchNextPage(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Slug)
	assert.Equal(t, "c1", *c.Cursor())

	items, err = c.FetchNextPage(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c2", *c.Cursor())
	assert.True(t, c.HasNextPage())

	require.Len(t, gql.calls, 2)
	assert.Nil(t, gql.calls[0]["after"])
	assert.Equal(t, "", gql.calls[0]["search"])
	assert.Equal(t, 2, gql.calls[0]["count"])
	assert.Equal(t, "c1", gql.calls[1]["after"])
}

func TestFetchNextPageResumesFromCursor(t *testing.T) {
	gql := &fakeGraphQL{responses: []string{pageJSON(t, nil, false, nil)}}
	c := New(gql, ptr("saved"), nil)

	items, err := c.FetchNextPage(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, "saved", gql.calls[0]["after"])
	assert.Equal(t, "saved", *c.Cursor(), "a missing next cursor keeps the previous one")
}

func TestFetchNextPageStopsAfterLastPage(t *testing.T) {
	gql := &fakeGraphQL{responses: []string{
		pageJSON(t, []Repl{{ID: "a", Slug: "alpha"}}, false, nil),
	}}
	c := New(gql, nil, nil)

	items, err := c.FetchNextPage(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, c.HasNextPage())

	items, err = c.FetchNextPage(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Len(t, gql.calls, 1, "no request after the listing is exhausted")
}

func TestFetchNextPageErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantAuth bool
		wantAPI  bool
	}{
		{
			name:    "error envelope",
			body:    `{"data":null,"errors":[{"message":"rate exceeded"}]}`,
			wantAPI: true,
		},
		{
			name:     "no current user",
			body:     `{"data":{"currentUser":null}}`,
			wantAuth: true,
		},
		{
			name:    "missing listing",
			body:    `{"data":{"currentUser":{}}}`,
			wantAPI: true,
		},
		{
			name:    "item without slug",
			body:    `{"data":{"currentUser":{"exportRepls":{"items":[{"id":"x"}],"pageInfo":{"hasNextPage":true}}}}}`,
			wantAPI: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeGraphQL{responses: []string{tt.body}}, ptr("keep"), nil)
			_, err := c.FetchNextPage(context.Background(), 3)
			require.Error(t, err)
			assert.Equal(t, tt.wantAuth, IsAuthentication(err))
			assert.Equal(t, tt.wantAPI, IsAPI(err))
			assert.Equal(t, "keep", *c.Cursor(), "cursor is untouched on failure")
		})
	}
}

func TestFetchNextPageRejectsBadSize(t *testing.T) {
	c := New(&fakeGraphQL{}, nil, nil)
	_, err := c.FetchNextPage(context.Background(), 0)
	require.Error(t, err)
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{
		Operation: opExportRepls,
		Errors:    []client.GraphQLError{{Message: "first"}, {Message: "second"}},
	}
	assert.Equal(t, "catalog: ExportRepls failed; first; second", err.Error())
}

func TestSetCursorResets(t *testing.T) {
	c := New(&fakeGraphQL{}, nil, nil)
	assert.Nil(t, c.Cursor())
	c.SetCursor(ptr(""))
	assert.Nil(t, c.Cursor())
	c.SetCursor(ptr("abc"))
	assert.Equal(t, "abc", *c.Cursor())
	assert.True(t, c.HasNextPage())
}

func TestQueriesDeclareOperations(t *testing.T) {
	assert.Contains(t, currentUserQuery, "query "+opCurrentUser)
	assert.Contains(t, exportReplsQuery, "query "+opExportRepls)
}

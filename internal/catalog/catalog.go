// Package catalog lists the Repls of the authenticated account through the
// GraphQL API and tracks the listing cursor.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/replexport/internal/client"
)

// GraphQLClient executes named GraphQL operations. *client.Client
// implements it.
type GraphQLClient interface {
	GraphQL(ctx context.Context, operationName string, variables map[string]any, query string, result any) (*client.GraphQLResponse, error)
}

// Compile-time check that the transport satisfies GraphQLClient.
var _ GraphQLClient = (*client.Client)(nil)

// Catalog issues the identity and listing queries. It holds the pagination
// state of one listing; it is not safe for concurrent use.
type Catalog struct {
	gql       GraphQLClient
	pageInfo  PageInfo
	exhausted bool
	logger    *slog.Logger
}

// New creates a Catalog starting at cursor (nil for the first page).
func New(gql GraphQLClient, cursor *string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{gql: gql, logger: logger}
	c.SetCursor(cursor)
	return c
}

// Cursor returns the continuation token for the next page, or nil when the
// listing starts from the beginning.
func (c *Catalog) Cursor() *string {
	if c.pageInfo.NextCursor == nil {
		return nil
	}
	cursor := *c.pageInfo.NextCursor
	return &cursor
}

// SetCursor replaces the held continuation token and resets exhaustion.
func (c *Catalog) SetCursor(cursor *string) {
	c.exhausted = false
	c.pageInfo = PageInfo{HasNextPage: true}
	if cursor != nil && *cursor != "" {
		next := *cursor
		c.pageInfo.NextCursor = &next
	}
}

// HasNextPage reports whether the last fetched page announced more items.
func (c *Catalog) HasNextPage() bool {
	return c.pageInfo.HasNextPage && !c.exhausted
}

// FetchIdentity returns the numeric id of the authenticated account.
func (c *Catalog) FetchIdentity(ctx context.Context) (int64, error) {
	var result currentUserResult
	resp, err := c.gql.GraphQL(ctx, opCurrentUser, nil, currentUserQuery, &result)
	if err != nil {
		return 0, fmt.Errorf("fetch identity: %w", err)
	}

	if result.CurrentUser == nil || result.CurrentUser.ID == 0 {
		c.logger.Debug("identity query returned no user", "status", resp.StatusCode, "errors", len(resp.Errors))
		return 0, &AuthenticationError{Operation: opCurrentUser}
	}

	c.logger.Debug("authenticated", "user_id", result.CurrentUser.ID, "username", result.CurrentUser.Username)
	return result.CurrentUser.ID, nil
}

// FetchNextPage fetches up to pageSize Repls after the held cursor and
// advances the cursor. An empty slice means the listing is exhausted.
func (c *Catalog) FetchNextPage(ctx context.Context, pageSize int) ([]Repl, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("fetch page: page size must be positive (got %d)", pageSize)
	}
	if c.exhausted {
		return nil, nil
	}

	vars := map[string]any{
		"search": "",
		"after":  nil,
		"count":  pageSize,
	}
	if c.pageInfo.NextCursor != nil {
		vars["after"] = *c.pageInfo.NextCursor
	}

	var result exportReplsResult
	resp, err := c.gql.GraphQL(ctx, opExportRepls, vars, exportReplsQuery, &result)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	if len(resp.Errors) > 0 {
		return nil, &APIError{Operation: opExportRepls, Errors: resp.Errors}
	}
	if result.CurrentUser == nil {
		return nil, &AuthenticationError{Operation: opExportRepls}
	}

	page := result.CurrentUser.ExportRepls
	if page == nil {
		return nil, &APIError{Operation: opExportRepls, Reason: "response has no exportRepls"}
	}
	for i, item := range page.Items {
		if item.ID == "" || item.Slug == "" {
			return nil, &APIError{
				Operation: opExportRepls,
				Reason:    fmt.Sprintf("item %d is missing id or slug", i),
			}
		}
	}

	c.advance(page.PageInfo)

	c.logger.Debug("fetched page",
		"items", len(page.Items),
		"has_next_page", page.PageInfo.HasNextPage,
	)
	return page.Items, nil
}

// advance records the page info of a fetched page. A missing next cursor
// keeps the previous one so a saved checkpoint never rewinds to the start.
func (c *Catalog) advance(info PageInfo) {
	next := info.NextCursor
	if next == nil || *next == "" {
		next = c.pageInfo.NextCursor
	}
	c.pageInfo = PageInfo{HasNextPage: info.HasNextPage, NextCursor: next}
	if !info.HasNextPage {
		c.exhausted = true
	}
}

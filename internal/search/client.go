// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search provides the client for the search-index collaborator
// (a Meilisearch-compatible document store). The core only upserts
// documents in batches and deletes by id list or filter string; queries
// and ranking belong to the API layer.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arcmail/arcmail/internal/config"
	"github.com/arcmail/arcmail/internal/models"
)

// Client talks to the search index over HTTP.
type Client struct {
	httpClient *http.Client
	host       string
	apiKey     string
	index      string
}

// NewClient creates a search-index client from config.
func NewClient(cfg config.SearchConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		host:       cfg.Host,
		apiKey:     cfg.APIKey,
		index:      cfg.Index,
	}
}

// filterableAttributes are the document fields policy filters may reference.
var filterableAttributes = []string{
	"id", "ingestionSourceId", "userEmail", "threadId", "senderEmail",
	"sentAt", "path", "tags", "hasAttachments",
}

// EnsureIndex configures the email index: primary key and the attributes
// the filter engine is allowed to restrict on. Safe to call on every start.
func (c *Client) EnsureIndex(ctx context.Context) error {
	body := map[string]string{"uid": c.index, "primaryKey": "id"}
	// 409 means the index already exists.
	if err := c.do(ctx, http.MethodPost, "/indexes", body, http.StatusConflict); err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	settings := map[string]any{
		"filterableAttributes": filterableAttributes,
		"sortableAttributes":   []string{"sentAt"},
	}
	if err := c.do(ctx, http.MethodPatch, "/indexes/"+c.index+"/settings", settings); err != nil {
		return fmt.Errorf("configure index: %w", err)
	}

	slog.Info("search index configured", "index", c.index)
	return nil
}

// AddDocuments upserts a batch of documents.
func (c *Client) AddDocuments(ctx context.Context, docs []models.SearchDocument) error {
	if len(docs) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/indexes/"+c.index+"/documents", docs); err != nil {
		return fmt.Errorf("add %d documents: %w", len(docs), err)
	}
	return nil
}

// DeleteByIDs removes documents by their ids.
func (c *Client) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/indexes/"+c.index+"/documents/delete-batch", ids); err != nil {
		return fmt.Errorf("delete %d documents: %w", len(ids), err)
	}
	return nil
}

// DeleteByFilter removes every document matching a filter expression,
// e.g. `ingestionSourceId = "3f2a..."`.
func (c *Client) DeleteByFilter(ctx context.Context, filter string) error {
	body := map[string]string{"filter": filter}
	if err := c.do(ctx, http.MethodPost, "/indexes/"+c.index+"/documents/delete", body); err != nil {
		return fmt.Errorf("delete by filter %q: %w", filter, err)
	}
	return nil
}

// Ping checks the collaborator's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search index unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search index health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// do issues a JSON request and fails on any non-2xx status not listed in
// acceptable.
func (c *Client) do(ctx context.Context, method, path string, body any, acceptable ...int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	for _, code := range acceptable {
		if resp.StatusCode == code {
			return nil
		}
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%s %s returned HTTP %d: %s", method, path, resp.StatusCode, detail)
}

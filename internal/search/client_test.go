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

package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arcmail/arcmail/internal/config"
	"github.com/arcmail/arcmail/internal/models"
)

func newTestClient(url string) *Client {
	return NewClient(config.SearchConfig{Host: url, APIKey: "test-key", Index: "emails"})
}

func TestAddDocuments(t *testing.T) {
	var gotPath, gotAuth string
	var gotDocs []models.SearchDocument

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotDocs); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	docs := []models.SearchDocument{
		{ID: "a", IngestionSourceID: "s1", Subject: "hello"},
		{ID: "b", IngestionSourceID: "s1", Subject: "world"},
	}
	if err := c.AddDocuments(context.Background(), docs); err != nil {
		t.Fatalf("AddDocuments failed: %v", err)
	}

	if gotPath != "/indexes/emails/documents" {
		t.Errorf("path = %q, want /indexes/emails/documents", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q, want Bearer test-key", gotAuth)
	}
	if len(gotDocs) != 2 || gotDocs[1].Subject != "world" {
		t.Errorf("unexpected docs payload: %+v", gotDocs)
	}
}

func TestAddDocumentsEmptyBatchSkipsRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.AddDocuments(context.Background(), nil); err != nil {
		t.Fatalf("AddDocuments(nil) failed: %v", err)
	}
	if called {
		t.Error("empty batch should not hit the index")
	}
}

func TestDeleteByFilter(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexes/emails/documents/delete" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.DeleteByFilter(context.Background(), `ingestionSourceId = "src-1"`); err != nil {
		t.Fatalf("DeleteByFilter failed: %v", err)
	}
	if gotBody["filter"] != `ingestionSourceId = "src-1"` {
		t.Errorf("filter = %q", gotBody["filter"])
	}
}

func TestServerErrorSurfacesDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid filter"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	err := c.DeleteByFilter(context.Background(), "bogus ==")
	if err == nil {
		t.Fatal("expected error from HTTP 400")
	}
}

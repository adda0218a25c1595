// Copyright 2025 Kadir Pekel
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

package vector

import (
	"context"
	"fmt"
)

// Result is a single vector-search hit.
type Result struct {
	// ID uniquely identifies the document within its collection.
	ID string

	// Score is the similarity score (higher is closer).
	Score float32

	// Content is the stored document text, when the provider keeps it.
	Content string

	// Vector is the stored embedding, when the provider returns it.
	Vector []float32

	// Metadata is the document's stored metadata.
	Metadata map[string]any
}

// StoreError classifies a vector-backend failure by provider, collection,
// and operation, so callers (the rag engine, /search) can log and skip a
// failing collection without string-matching provider errors.
type StoreError struct {
	Provider   string
	Collection string
	Op         string // e.g. "upsert", "search", "delete"
	Err        error
}

func (e *StoreError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("vector: %s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("vector: %s %s in %q: %v", e.Provider, e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Provider is the narrow contract every vector backend implements.
type Provider interface {
	// Name identifies the provider implementation.
	Name() string

	// Upsert adds or updates a document with its embedding.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK nearest documents.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// SearchWithFilter narrows the search by metadata equality filters.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes one document by id.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteByFilter removes every document matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// DeleteCollection removes a collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	// CreateCollection provisions a collection for vectors of the given
	// dimension. A no-op on providers that create lazily.
	CreateCollection(ctx context.Context, collection string, vectorDimension int) error

	// Close releases the provider's resources.
	Close() error
}

// NilProvider is the no-op Provider used when no vector store is
// configured: every search returns no hits.
type NilProvider struct{}

func (NilProvider) Name() string { return "nil" }

func (NilProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}

func (NilProvider) Search(context.Context, string, []float32, int) ([]Result, error) {
	return nil, nil
}

func (NilProvider) SearchWithFilter(context.Context, string, []float32, int, map[string]any) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Delete(context.Context, string, string) error                 { return nil }
func (NilProvider) DeleteByFilter(context.Context, string, map[string]any) error { return nil }
func (NilProvider) DeleteCollection(context.Context, string) error               { return nil }
func (NilProvider) CreateCollection(context.Context, string, int) error          { return nil }
func (NilProvider) Close() error                                                 { return nil }

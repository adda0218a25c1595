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
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant vector provider.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `yaml:"port"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`

	// CollectionPrefix namespaces this node's collections on a shared
	// Qdrant cluster, e.g. "relay_billing" for slug "billing".
	CollectionPrefix string `yaml:"collection_prefix,omitempty"`
}

// QdrantProvider implements Provider using the Qdrant gRPC client.
type QdrantProvider struct {
	client *qdrant.Client
	config QdrantConfig
}

// NewQdrantProvider creates a new Qdrant provider.
func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334 // Qdrant gRPC port
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, &StoreError{Provider: "qdrant", Op: "connect",
			Err: fmt.Errorf("%s:%d: %w", cfg.Host, cfg.Port, err)}
	}

	return &QdrantProvider{
		client: client,
		config: cfg,
	}, nil
}

// Name returns the provider name.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// collectionName maps a declared collection to its Qdrant name: the
// configured prefix plus the name with anything outside [a-z0-9_]
// folded to underscores. Declared names come from node configuration and
// registration payloads, so they are normalized rather than trusted.
func (p *QdrantProvider) collectionName(collection string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(collection)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if p.config.CollectionPrefix != "" {
		return p.config.CollectionPrefix + "_" + name
	}
	return name
}

// Upsert adds or updates a document with its vector, creating the
// collection on first write.
func (p *QdrantProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	name := p.collectionName(collection)

	exists, err := p.client.CollectionExists(ctx, name)
	if err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "upsert", Err: err}
	}

	if !exists {
		err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(vector)),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		// Concurrent first writes race on creation; "already exists" is fine.
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return &StoreError{Provider: "qdrant", Collection: collection, Op: "create", Err: err}
		}
	}

	payload := make(map[string]*qdrant.Value)
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return &StoreError{Provider: "qdrant", Collection: collection, Op: "upsert",
				Err: fmt.Errorf("metadata key %q: %w", key, err)}
		}
		payload[key] = val
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	_, err = p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "upsert", Err: err}
	}

	return nil
}

// Search finds the most similar vectors.
func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

// SearchWithFilter combines vector similarity with metadata filtering.
func (p *QdrantProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: p.collectionName(collection),
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}

	if len(filter) > 0 {
		searchRequest.Filter = buildQdrantFilter(filter)
	}

	pointsClient := p.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, &StoreError{Provider: "qdrant", Collection: collection, Op: "search", Err: err}
	}

	return convertQdrantResults(searchResult.Result), nil
}

// Delete removes a document by ID.
func (p *QdrantProvider) Delete(ctx context.Context, collection string, id string) error {
	deletePoints := &qdrant.DeletePoints{
		CollectionName: p.collectionName(collection),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{
						{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}},
					},
				},
			},
		},
	}
	if _, err := p.client.Delete(ctx, deletePoints); err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "delete",
			Err: fmt.Errorf("point %s: %w", id, err)}
	}
	return nil
}

// DeleteByFilter removes all documents matching the filter.
func (p *QdrantProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	deletePoints := &qdrant.DeletePoints{
		CollectionName: p.collectionName(collection),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildQdrantFilter(filter),
			},
		},
	}

	if _, err := p.client.Delete(ctx, deletePoints); err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "delete", Err: err}
	}
	return nil
}

// CreateCollection creates a new collection.
func (p *QdrantProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	name := p.collectionName(collection)

	exists, err := p.client.CollectionExists(ctx, name)
	if err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "create", Err: err}
	}
	if exists {
		return nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorDimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "create", Err: err}
	}
	return nil
}

// DeleteCollection removes a collection.
func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	if err := p.client.DeleteCollection(ctx, p.collectionName(collection)); err != nil {
		return &StoreError{Provider: "qdrant", Collection: collection, Op: "delete", Err: err}
	}
	return nil
}

// Close closes the Qdrant client.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

// buildQdrantFilter converts a metadata-equality filter map to a Qdrant
// filter. Values that cannot be represented are skipped.
func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))

	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}

		condition := &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: val.GetStringValue(),
						},
					},
				},
			},
		}
		conditions = append(conditions, condition)
	}

	return &qdrant.Filter{
		Must: conditions,
	}
}

// convertQdrantResults converts Qdrant scored points to Results.
func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))

	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		var vector []float32
		if point.Vectors != nil {
			if vectorData := point.Vectors.GetVector(); vectorData != nil {
				switch v := vectorData.Vector.(type) {
				case *qdrant.VectorOutput_Dense:
					if v.Dense != nil {
						vector = v.Dense.Data
					}
				}
			}
		}

		metadata := make(map[string]any)
		if point.Payload != nil {
			for key, value := range point.Payload {
				metadata[key] = qdrantValueToAny(value)
			}
		}

		content := ""
		if contentStr, ok := metadata["content"].(string); ok {
			content = contentStr
		}

		results = append(results, Result{
			ID:       id,
			Content:  content,
			Vector:   vector,
			Metadata: metadata,
			Score:    point.Score,
		})
	}

	return results
}

// qdrantValueToAny unwraps a Qdrant payload value, one level of list
// nesting included.
func qdrantValueToAny(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValueToAny(item)
		}
		return list
	default:
		return value
	}
}

// Ensure QdrantProvider implements Provider.
var _ Provider = (*QdrantProvider)(nil)

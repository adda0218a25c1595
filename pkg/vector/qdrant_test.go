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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQdrantCollectionName(t *testing.T) {
	p := &QdrantProvider{}

	tests := []struct {
		in   string
		want string
	}{
		{"invoices", "invoices"},
		{"Customer Invoices", "customer_invoices"},
		{"e-mails", "e_mails"},
		{" Emails ", "emails"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.collectionName(tt.in))
	}

	prefixed := &QdrantProvider{config: QdrantConfig{CollectionPrefix: "relay_billing"}}
	assert.Equal(t, "relay_billing_invoices", prefixed.collectionName("invoices"))
}

func TestStoreErrorMessageAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := &StoreError{Provider: "qdrant", Collection: "invoices", Op: "search", Err: cause}

	assert.Contains(t, err.Error(), "qdrant")
	assert.Contains(t, err.Error(), "invoices")
	assert.Contains(t, err.Error(), "search")
	assert.True(t, errors.Is(err, cause))

	noCol := &StoreError{Provider: "qdrant", Op: "connect", Err: cause}
	assert.NotContains(t, noCol.Error(), `""`)
}

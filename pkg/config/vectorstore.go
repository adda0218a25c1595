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

package config

import "github.com/relaymesh/relay/pkg/vector"

// VectorStoreConfig configures a named vector provider backing RAG search.
// It is a direct alias of vector.ProviderConfig so the provider factory in
// pkg/vector can consume it without a translation layer.
type VectorStoreConfig = vector.ProviderConfig

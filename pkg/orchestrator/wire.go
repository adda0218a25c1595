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

package orchestrator

// ChatRequest is the /chat request body, inbound and node-to-node alike.
type ChatRequest struct {
	Message   string          `json:"message"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	Options   *RequestOptions `json:"options,omitempty"`
}

// ChatResponse is the /chat response body.
type ChatResponse struct {
	Success  bool     `json:"success"`
	Response string   `json:"response"`
	Metadata Metadata `json:"metadata"`
}

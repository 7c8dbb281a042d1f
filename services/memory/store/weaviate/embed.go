// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	apimem "github.com/AleutianAI/meminject/services/memory"
)

// ErrEmbeddingUnavailable is memory.ErrEmbeddingUnavailable, the sentinel
// every embedding failure from this package wraps.
var ErrEmbeddingUnavailable = apimem.ErrEmbeddingUnavailable

// httpClient is shared across all embedding calls. 30s covers cold model
// loads on the embedding service; per-call cancellation still flows through
// via getWithContext.
var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

const embeddingDim = 384

// embeddingServiceRequest is the legacy (non-Ollama) embedding request body.
type embeddingServiceRequest struct {
	Texts []string `json:"texts"`
}

// embeddingServiceResponse is the legacy (non-Ollama) embedding response body.
type embeddingServiceResponse struct {
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
	Timestamp int64       `json:"timestamp"`
	Id        string      `json:"id"`
}

// ollamaEmbedRequest is the request body for an Ollama-compatible /api/embed endpoint.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResponse is the response body for an Ollama-compatible /api/embed endpoint.
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// embeddingResult holds a single computed embedding.
type embeddingResult struct {
	Id        string
	Timestamp int64
	Text      string
	Vector    []float32
	Dim       int
}

// HTTPEmbedder implements the embedding-provider contract (embed_one(text) ->
// Vector(384)) by calling an external embedding service over HTTP.
//
// # Description
//
// HTTPEmbedder auto-detects whether EMBEDDING_SERVICE_URL points at an
// Ollama-compatible /api/embed endpoint or a legacy batch-embedding service,
// and speaks the matching wire format. This mirrors the production
// retrieval pipeline's embedding client, which had to support both during
// a migration between embedding backends.
//
// # Assumptions
//
//   - EMBEDDING_SERVICE_URL is set; if empty, Embed returns an
//     EmbeddingUnavailable error rather than panicking.
type HTTPEmbedder struct {
	ServiceURL string
	Model      string
}

// NewHTTPEmbedder builds an embedder from environment configuration,
// falling back to EMBEDDING_SERVICE_URL/EMBEDDING_MODEL if fields are left
// zero-valued.
func NewHTTPEmbedder(serviceURL, model string) *HTTPEmbedder {
	if serviceURL == "" {
		serviceURL = os.Getenv("EMBEDDING_SERVICE_URL")
	}
	if model == "" {
		model = os.Getenv("EMBEDDING_MODEL")
	}
	if model == "" {
		model = "nomic-embed-text-v2-moe"
	}
	return &HTTPEmbedder{ServiceURL: serviceURL, Model: model}
}

// Embed computes the embedding vector for a single piece of text. It
// satisfies the EmbeddingProvider interface used by the hybrid search and
// deduplication components.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.getWithContext(ctx, text)
	if err != nil {
		return nil, err
	}
	return res.Vector, nil
}

// getWithContext performs the actual HTTP round-trip, mirroring the
// production client's dual-format (Ollama vs legacy) handling.
func (e *HTTPEmbedder) getWithContext(ctx context.Context, text string) (*embeddingResult, error) {
	if e.ServiceURL == "" {
		return nil, fmt.Errorf("%w: EMBEDDING_SERVICE_URL not set", ErrEmbeddingUnavailable)
	}

	isOllama := strings.Contains(e.ServiceURL, "/api/embed")

	var reqBody []byte
	var err error
	if isOllama {
		reqBody, err = json.Marshal(ollamaEmbedRequest{Model: e.Model, Input: text})
	} else {
		reqBody, err = json.Marshal(embeddingServiceRequest{Texts: []string{text}})
	}
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ServiceURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: embedding request canceled: %v", ErrEmbeddingUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embedding service returned %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, string(body))
	}

	if isOllama {
		var oresp ollamaEmbedResponse
		if err := json.Unmarshal(body, &oresp); err != nil {
			return nil, fmt.Errorf("unmarshal ollama embedding response: %w", err)
		}
		if len(oresp.Embeddings) == 0 {
			return nil, fmt.Errorf("%w: ollama response contained no embeddings", ErrEmbeddingUnavailable)
		}
		vec := oresp.Embeddings[0]
		return &embeddingResult{Text: text, Vector: vec, Dim: len(vec)}, nil
	}

	var eresp embeddingServiceResponse
	if err := json.Unmarshal(body, &eresp); err != nil {
		return nil, fmt.Errorf("unmarshal embedding response: %w", err)
	}
	if len(eresp.Vectors) == 0 {
		return nil, fmt.Errorf("%w: embedding response contained no vectors", ErrEmbeddingUnavailable)
	}
	return &embeddingResult{
		Id:        eresp.Id,
		Timestamp: eresp.Timestamp,
		Text:      text,
		Vector:    eresp.Vectors[0],
		Dim:       eresp.Dim,
	}, nil
}

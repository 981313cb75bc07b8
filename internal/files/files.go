// Copyright 2025 James Ross

// Package files models the File and RequestTemplate entities (spec
// §3.1): the immutable input documents batches are materialized from.
package files

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Purpose distinguishes an uploaded input file from a generated output.
type Purpose string

const (
	PurposeBatch       Purpose = "batch"
	PurposeBatchOutput Purpose = "batch_output"
)

// Status tracks a File's lifecycle: active -> (deleted | expired).
type Status string

const (
	FileActive  Status = "active"
	FileDeleted Status = "deleted"
	FileExpired Status = "expired"
)

// File is a named collection of request templates, typically parsed
// from an uploaded JSONL document.
type File struct {
	ID          string
	Filename    string
	ContentType string
	SizeBytes   int64
	StorageKey  string
	Purpose     Purpose
	Status      Status
	ExpiresAt   *time.Time
	UploaderID  string
	CreatedAt   time.Time
}

// RequestTemplate is the immutable input for one or more Request
// instances (spec §3.1). Created once from a parsed File line, or
// directly by an ad-hoc submit_requests call; never mutated.
type RequestTemplate struct {
	ID         string
	EndpointID string // base URL the dispatcher resolves against
	Method     string
	Path       string
	Body       string // UTF-8 text, typically JSON
	Model      string
	APIKey     string
	FileID     string // empty for ad-hoc submissions
	CustomID   string // optional caller-chosen correlation id
	CreatedAt  time.Time
}

// jsonlLine is one line of an uploaded batch input file: the same
// per-entry shape as submit_requests' tuple (spec §6), one JSON object
// per line.
type jsonlLine struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Body     string `json:"body"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	CustomID string `json:"custom_id"`
}

// ParseJSONLTemplates parses an uploaded file's content into the
// RequestTemplates it describes, one per non-blank line, assigning
// each a fresh id and fileID. Grounded on spec §6's batch-input-file
// format; uses encoding/json and bufio directly since nothing in the
// retrieval pack carries a dedicated JSONL parsing library.
func ParseJSONLTemplates(fileID string, content []byte, createdAt time.Time, newID func() string) ([]RequestTemplate, error) {
	var out []RequestTemplate
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var l jsonlLine
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("parse line %d: %w", lineNo, err)
		}
		if l.Method == "" || l.Path == "" || l.Model == "" {
			return nil, fmt.Errorf("parse line %d: method, path, and model are required", lineNo)
		}
		out = append(out, RequestTemplate{
			ID:         newID(),
			EndpointID: l.Endpoint,
			Method:     l.Method,
			Path:       l.Path,
			Body:       l.Body,
			Model:      l.Model,
			APIKey:     l.APIKey,
			FileID:     fileID,
			CustomID:   l.CustomID,
			CreatedAt:  createdAt,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan content: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("file contains no request templates")
	}
	return out, nil
}

// ErrContentUnavailable distinguishes "never existed" from "existed,
// blob content has since been garbage-collected" (spec C.3, ported
// from dwctl/src/db/handlers/files.rs): metadata rows outlive the blob
// they describe once a retention window passes.
var ErrContentUnavailable = errors.New("file content unavailable: metadata retained, blob expired")

// ErrNotFound mirrors the store package's NotFound kind for the files
// subsystem so callers can type-switch without importing internal/store.
var ErrNotFound = errors.New("file not found")

// Package producer feeds a running worker with demo traffic through its admin
// API: buckets of inc events, inc commands and periodic export requests.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Service struct {
	cfg       Config
	log       *slog.Logger
	http      *http.Client
	generator *Generator
	ticks     int
}

type appendResponse struct {
	Log    string `json:"log"`
	Cursor string `json:"cursor"`
}

type enqueueResponse struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func NewService(cfg Config, logger *slog.Logger, client *http.Client) (*Service, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if strings.TrimSpace(cfg.LogName) == "" {
		return nil, fmt.Errorf("log name is required")
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 1
	}
	if cfg.Counters <= 0 {
		cfg.Counters = 1
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Service{
		cfg:       cfg,
		log:       logger,
		http:      client,
		generator: NewGenerator(cfg.Seed, cfg.ProducerID, cfg.Counters),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.produceOnce(ctx); err != nil {
			s.log.Error("failed to publish demo traffic", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) produceOnce(ctx context.Context) error {
	s.ticks++

	var appended appendResponse
	if err := s.post(ctx, "/v1/logs/"+url.PathEscape(s.cfg.LogName), s.generator.NextBucket(s.cfg.BucketSize), &appended); err != nil {
		return fmt.Errorf("append bucket: %w", err)
	}
	s.log.Info("appended demo bucket",
		slog.String("log", s.cfg.LogName),
		slog.String("cursor", appended.Cursor),
		slog.Int("events", s.cfg.BucketSize),
	)

	if every := s.cfg.CommandEvery; every > 0 && s.ticks%every == 0 {
		if err := s.enqueue(ctx, s.generator.NextCommand()); err != nil {
			return err
		}
	}
	if every := s.cfg.ExportEvery; every > 0 && s.ticks%every == 0 {
		cmd := map[string]any{"type": "exportLog", "log": s.cfg.LogName, "resume": true}
		if err := s.enqueue(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, cmd map[string]any) error {
	var enqueued enqueueResponse
	if err := s.post(ctx, "/v1/commands/"+url.PathEscape(s.cfg.CommandTable), cmd, &enqueued); err != nil {
		return fmt.Errorf("enqueue %v command: %w", cmd["type"], err)
	}
	s.log.Info("enqueued demo command",
		slog.String("table", s.cfg.CommandTable),
		slog.String("id", enqueued.ID),
		slog.Any("type", cmd["type"]),
	)
	return nil
}

func (s *Service) post(ctx context.Context, path string, requestBody any, responseBody any) error {
	status, body, err := s.doJSON(ctx, http.MethodPost, path, requestBody, responseBody)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *Service) doJSON(ctx context.Context, method, path string, requestBody any, responseBody any) (int, []byte, error) {
	var payload io.Reader
	if requestBody != nil {
		raw, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIBaseURL+path, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	if responseBody != nil && resp.StatusCode < 300 && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, responseBody); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}

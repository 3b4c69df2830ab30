// Package loki pushes security events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"constellation/backend/internal/telemetry"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// eventLine is the JSON log line pushed for one event. User ids stay out of the labels
// to keep stream cardinality bounded.
type eventLine struct {
	Event      string `json:"event"`
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	HashPrefix string `json:"token_hash_prefix,omitempty"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Emitter implements telemetry.EventEmitter by pushing each event to Loki.
type Emitter struct {
	baseURL string
	job     string
	client  *http.Client
}

// NewEmitter returns an Emitter for the Loki instance at baseURL (e.g. http://localhost:3100).
// job is the stream's job label. A nil client uses a client with a 5s timeout.
func NewEmitter(baseURL, job string, client *http.Client) *Emitter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if job == "" {
		job = "constellation-auth"
	}
	return &Emitter{baseURL: baseURL, job: job, client: client}
}

// Emit pushes event as one JSON line labelled with its type.
func (e *Emitter) Emit(ctx context.Context, event *telemetry.SecurityEvent) error {
	if event == nil {
		return nil
	}
	line, err := json.Marshal(eventLine{
		Event:      event.Type,
		UserID:     event.UserID,
		SessionID:  event.SessionID,
		HashPrefix: event.HashPrefix,
		IP:         event.IP,
		UserAgent:  event.UserAgent,
		Detail:     event.Detail,
	})
	if err != nil {
		return err
	}
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return e.push(ctx, ts, string(line), map[string]string{"event_type": event.Type})
}

// push sends a single log line. Returns an error if the request fails or Loki returns non-2xx.
func (e *Emitter) push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	if e.baseURL == "" {
		return fmt.Errorf("loki: base URL is empty")
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = e.job
	for k, v := range labels {
		sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
		if sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(e.baseURL, "/") + "/loki/api/v1/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

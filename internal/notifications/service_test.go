package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pdxseg/internal/config"
	"pdxseg/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventJobCompleted, notifications.Payload{"studyID": "abc"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type capture struct {
	mu       sync.Mutex
	calls    int
	title    string
	tags     string
	priority string
	body     string
}

func newCaptureServer(t *testing.T) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.calls++
		c.title = r.Header.Get("Title")
		c.tags = r.Header.Get("Tags")
		c.priority = r.Header.Get("Priority")
		c.body = string(body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, c
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "job completed",
			event:         notifications.EventJobCompleted,
			payload:       notifications.Payload{"studyID": "s-1", "volumeCC": 0.0126},
			expectTitle:   "pdxseg - Job Complete",
			expectMessage: "Segmentation complete: study s-1, 0.013 cc",
			expectTags:    "pdxseg,job,completed",
		},
		{
			name:          "job completed with skips",
			event:         notifications.EventJobCompleted,
			payload:       notifications.Payload{"studyID": "s-1", "volumeCC": 1.5, "skipped": 2},
			expectTitle:   "pdxseg - Job Complete",
			expectMessage: "Segmentation complete: study s-1, 1.500 cc (2 slices skipped)",
			expectTags:    "pdxseg,job,completed",
		},
		{
			name:           "job failed",
			event:          notifications.EventJobFailed,
			payload:        notifications.Payload{"studyID": "s-2", "error": "model failure: classify"},
			expectTitle:    "pdxseg - Job Failed",
			expectMessage:  "Segmentation failed for study s-2: model failure: classify",
			expectTags:     "pdxseg,job,error",
			expectPriority: "high",
		},
		{
			name:           "test",
			event:          notifications.EventTest,
			expectTitle:    "pdxseg - Test",
			expectMessage:  "Notification system test",
			expectTags:     "pdxseg,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server, captured := newCaptureServer(t)

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			captured.mu.Lock()
			defer captured.mu.Unlock()
			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceHonoursEventToggles(t *testing.T) {
	server, captured := newCaptureServer(t)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.JobCompleted = false

	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventJobCompleted, notifications.Payload{"studyID": "x"}); err != nil {
		t.Fatalf("disabled event returned error: %v", err)
	}
	if err := svc.Publish(context.Background(), notifications.EventJobFailed, notifications.Payload{"studyID": "x"}); err != nil {
		t.Fatalf("job_failed returned error: %v", err)
	}

	captured.mu.Lock()
	defer captured.mu.Unlock()
	if captured.calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", captured.calls)
	}
	if captured.title != "pdxseg - Job Failed" {
		t.Fatalf("unexpected delivery %q", captured.title)
	}
}

func TestNtfyServiceReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic closed", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scivault/ingestd/dbopen"
)

func TestEventLogger(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()
	ev := NewEventLogger(db)

	ev.Log(ctx, Event{
		Type:        EventIngestAccepted,
		DatasetUUID: "d-1",
		UserEmail:   "ana@example.org",
		Success:     true,
	})
	ev.Log(ctx, Event{
		Type:        EventConversionFailed,
		DatasetUUID: "d-1",
		Detail:      "exit status 3",
		Duration:    42 * time.Second,
	})
	ev.Log(ctx, Event{Type: EventLogin, UserEmail: "bob@example.org", Success: true})

	got, err := ev.Recent(ctx, "d-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.DatasetUUID != "d-1" {
			t.Errorf("dataset = %q", e.DatasetUUID)
		}
	}

	all, err := ev.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all events len = %d, want 3", len(all))
	}
}

func TestEventLoggerNilNoop(t *testing.T) {
	var ev *EventLogger
	ev.Log(context.Background(), Event{Type: EventLogin})
	if got, err := ev.Recent(context.Background(), "", 5); err != nil || got != nil {
		t.Fatalf("nil logger: got %v, %v", got, err)
	}
}

func TestHeartbeat(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()

	hw := NewHeartbeatWriter(db, "dispatcher", 15*time.Second)
	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(ctx, db, "dispatcher", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive {
		t.Fatalf("heartbeat = %+v, want alive", hs)
	}
	if hs.PID == 0 || hs.GoroutinesCount == 0 {
		t.Errorf("runtime metrics missing: %+v", hs)
	}

	if hs, err := LatestHeartbeat(ctx, db, "nobody", time.Minute); err != nil || hs != nil {
		t.Fatalf("unknown worker: got %+v, %v", hs, err)
	}
}

func TestRequestLoggerMiddleware(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	rl := NewRequestLogger(db, func(*http.Request) string { return "ana@example.org" })

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/upload/jobs", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}

	var method, path, user string
	var status int
	err := db.QueryRow(`SELECT method, path, status_code, user_email FROM http_request_logs`).
		Scan(&method, &path, &status, &user)
	if err != nil {
		t.Fatal(err)
	}
	if method != "GET" || path != "/api/upload/jobs" || status != http.StatusTeapot || user != "ana@example.org" {
		t.Errorf("row = %s %s %d %s", method, path, status, user)
	}
}

func TestCleanup(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40).Unix()
	if _, err := db.Exec(`INSERT INTO ingest_events (event_id, event_type, created_at) VALUES ('e1', ?, ?)`,
		EventLogin, old); err != nil {
		t.Fatal(err)
	}
	NewEventLogger(db).Log(ctx, Event{Type: EventLogin})

	n, err := Cleanup(ctx, db, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	var count int
	db.QueryRow(`SELECT COUNT(*) FROM ingest_events`).Scan(&count)
	if count != 1 {
		t.Fatalf("remaining = %d, want 1", count)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meshmeet/meshmeet/internal/domain"
)

func TestCreateMeeting(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(domain.Meeting{
			MeetingID: "ABCD2345",
			Link:      "https://meet.example/?room=ABCD2345",
		})
	}))
	defer ts.Close()

	m, err := NewClient(ts.URL+"/", nil).CreateMeeting(context.Background())
	if err != nil {
		t.Fatalf("create meeting: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/create-meeting" {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
	if m.MeetingID != "ABCD2345" {
		t.Errorf("unexpected meeting %+v", m)
	}
}

func TestCreateMeeting_EmptyID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL, nil).CreateMeeting(context.Background()); err == nil {
		t.Errorf("expected error for empty meeting id")
	}
}

func TestRoomInfo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/ABCD2345" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(domain.RoomInfo{RoomID: "ABCD2345", Exists: true, Active: true, Participants: 2, Capacity: 3})
	}))
	defer ts.Close()

	info, err := NewClient(ts.URL, nil).RoomInfo(context.Background(), "ABCD2345")
	if err != nil {
		t.Fatalf("room info: %v", err)
	}
	if !info.Exists || info.Participants != 2 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestHTTPErrorIsReported(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, nil).RoomInfo(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "http 400") {
		t.Errorf("expected http 400 error, got %v", err)
	}
}

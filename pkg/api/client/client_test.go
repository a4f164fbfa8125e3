package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuildSendsPayloadAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/build" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var in BuildInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Prompt != "todo app" {
			t.Errorf("unexpected prompt %q", in.Prompt)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Accepted{ProjectID: "p1", BuildID: "b1", BuildStatus: "pending"})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	accepted, err := cli.Build(context.Background(), "tok", BuildInput{Prompt: "todo app"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if accepted.ProjectID != "p1" || accepted.BuildID != "b1" {
		t.Fatalf("unexpected acceptance %+v", accepted)
	}
}

func TestAPIErrorsCarryStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"build already in progress"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Build(context.Background(), "", BuildInput{Prompt: "x"})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	apiErr, ok := err.(APIError)
	if !ok || apiErr.Message != "build already in progress" {
		t.Fatalf("unexpected error %#v", err)
	}
	if IsNotFound(err) {
		t.Fatalf("conflict must not be reported as not found")
	}
}

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{Status{BuildStatus: "built"}, true},
		{Status{BuildStatus: "failed"}, true},
		{Status{BuildStatus: "building", BuildID: "b"}, false},
		{Status{BuildStatus: "pending", BuildID: "b"}, false},
		{Status{BuildStatus: "pending"}, true},
		{Status{BuildStatus: "built", InFlight: true}, false},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Fatalf("%+v: expected %v, got %v", tc.status, tc.want, got)
		}
	}
}

func TestStreamEventsParsesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/p1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: history\ndata: {\"type\":\"stage\",\"stage\":\"ai_analysis\",\"status\":\"started\",\"sequence\":1}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "data: {\"type\":\"output\",\"stage\":\"build\",\"line\":\"npm install\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"stage\",\"stage\":\"deploy\",\"status\":\"completed\",\"sequence\":8}\n\n")
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var got []StreamMessage
	err := cli.StreamEvents(context.Background(), "", "p1", func(m StreamMessage) bool {
		got = append(got, m)
		return len(got) < 2
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected callback to stop after 2 frames, got %d", len(got))
	}
	if !got[0].History || got[0].Stage != "ai_analysis" {
		t.Fatalf("unexpected first frame %+v", got[0])
	}
	if got[1].History || got[1].Line != "npm install" {
		t.Fatalf("unexpected second frame %+v", got[1])
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.BaseURL() != "http://localhost:4000" {
		t.Fatalf("unexpected base %q", cli.BaseURL())
	}
	if cli.PreviewURL("p 1") != "http://localhost:4000/preview/p%201" {
		t.Fatalf("unexpected preview url %q", cli.PreviewURL("p 1"))
	}
}

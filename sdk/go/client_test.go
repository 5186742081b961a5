package missionboardsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsIdentityAndDecodes(t *testing.T) {
	var gotPath, gotAgentType, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAgentType = r.Header.Get("X-Agent-Type")
		json.NewEncoder(w).Encode(Claim{ItemID: "WI-001", AgentID: "murdock", ClaimedAt: "2024-01-01T00:00:00Z"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.AgentType = "ai-team:murdock"
	c.ActorID = "murdock"
	claim, err := c.ClaimItem(context.Background(), "WI-001")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if gotPath != "/v0/items/WI-001/claim" || gotQuery != "agent=murdock" {
		t.Fatalf("unexpected request %s?%s", gotPath, gotQuery)
	}
	if gotAgentType != "ai-team:murdock" {
		t.Fatalf("identity header not sent: %q", gotAgentType)
	}
	if claim.AgentID != "murdock" {
		t.Fatalf("unexpected claim %+v", claim)
	}
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"agent_busy","message":"item WI-001 is claimed by murdock"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ClaimItem(context.Background(), "WI-001")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "agent_busy" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

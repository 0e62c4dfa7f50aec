package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		APIKey:          "key",
		BaseID:          "base",
		ArrivalsTable:   "Arrivals",
		DeparturesTable: "Departures",
		BaseURL:         srv.URL,
	})
	return c, srv
}

func TestFindByRegistrationFound(t *testing.T) {
	var gotQuery string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if !strings.Contains(r.URL.Path, "Departures") {
			t.Errorf("expected departures table, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{
				"id": "rec123",
				"fields": map[string]any{
					"Name":         "Jane Smith",
					"Registration": "AB12CDE",
				},
			}},
		})
	})

	rec, err := c.FindByRegistration(context.Background(), "AB12CDE", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "rec123" || rec.Field("Name", "") != "Jane Smith" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	for _, want := range []string{"cellFormat=string", "timeZone=Europe%2FLondon", "userLocale=en-gb"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query missing %q: %s", want, gotQuery)
		}
	}
}

func TestFindByRegistrationMiss(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []any{}})
	})
	_, err := c.FindByRegistration(context.Background(), "ZZ99ZZZ", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByRegistrationTransportError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	})
	_, err := c.FindByRegistration(context.Background(), "AB12CDE", false)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", te.Status)
	}
}

func TestFindByPhoneSearchesBothVariants(t *testing.T) {
	var formula string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		formula = r.URL.Query().Get("filterByFormula")
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []any{}})
	})
	_, err := c.FindByPhone(context.Background(), "07398556677", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.HasPrefix(formula, "OR(SEARCH(") {
		t.Fatalf("unexpected formula: %s", formula)
	}
	if strings.Count(formula, "07398556677") != 2 {
		t.Fatalf("expected the normalized number in both clauses: %s", formula)
	}
}

func TestUpdateFieldsPatch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["typecast"] != true {
			t.Errorf("expected typecast true")
		}
		records := body["records"].([]any)
		first := records[0].(map[string]any)
		if first["id"] != "rec123" {
			t.Errorf("unexpected record id: %v", first["id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{
				"id":     "rec123",
				"fields": map[string]any{"Terminal": "2"},
			}},
		})
	})

	rec, err := c.UpdateFields(context.Background(), false, "rec123", map[string]any{"Terminal": "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Field("Terminal", "") != "2" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

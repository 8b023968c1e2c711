package tools

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/szaher/tripagent/internal/testutil"
)

const flightsFixture = `{
  "search_metadata": {"google_flights_url": "https://www.google.com/travel/flights?q=SFO-NRT"},
  "best_flights": [
    {
      "flights": [
        {"departure_airport": {"name": "San Francisco", "id": "SFO", "time": "2025-06-01 11:00"},
         "arrival_airport": {"name": "Narita", "id": "NRT", "time": "2025-06-02 14:30"},
         "airline": "ANA", "airline_logo": "https://logo/ana.png", "flight_number": "NH 7"}
      ],
      "total_duration": 690, "price": 1320, "type": "Round trip", "airline_logo": "https://logo/ana.png"
    },
    {
      "flights": [
        {"departure_airport": {"id": "SFO", "time": "2025-06-01 09:00"},
         "arrival_airport": {"id": "ICN", "time": "2025-06-02 13:00"},
         "airline": "Korean Air", "flight_number": "KE 24"},
        {"departure_airport": {"id": "ICN", "time": "2025-06-02 15:00"},
         "arrival_airport": {"id": "NRT", "time": "2025-06-02 17:30"},
         "airline": "Korean Air", "flight_number": "KE 703"}
      ],
      "total_duration": 900, "price": 880, "type": "Round trip"
    }
  ],
  "other_flights": [
    {"flights": [{"departure_airport": {"id": "SFO"}, "arrival_airport": {"id": "NRT"}, "airline": "United"}], "price": 990},
    {"flights": [{"departure_airport": {"id": "SFO"}, "arrival_airport": {"id": "NRT"}, "airline": "JAL"}], "price": 1010},
    {"flights": [{"departure_airport": {"id": "SFO"}, "arrival_airport": {"id": "NRT"}, "airline": "Zipair"}], "price": 640},
    {"flights": [{"departure_airport": {"id": "SFO"}, "arrival_airport": {"id": "NRT"}, "airline": "Delta"}], "price": 1500}
  ]
}`

const hotelsFixture = `{
  "properties": [
    {"name": "Park Hyatt Tokyo", "description": "Luxury", "link": "https://park.example",
     "rate_per_night": {"lowest": "$820", "extracted_lowest": 820}, "overall_rating": 4.7, "reviews": 3120,
     "extracted_hotel_class": 5, "amenities": ["Pool", "Spa"], "images": [{"thumbnail": "https://img/park.jpg"}]},
    {"name": "Hotel Gracery", "rate_per_night": {"lowest": "$180", "extracted_lowest": 180}, "overall_rating": 4.2, "reviews": 9000},
    {"name": "", "overall_rating": 3.9}
  ]
}`

func newTestSerpAPI(t *testing.T, body string) (*SerpAPI, *testutil.SearchServer) {
	t.Helper()
	server := testutil.NewSearchServer(t, http.StatusOK, body)
	return NewSerpAPI("serp-key", WithEndpoint(server.URL), WithSearchHTTPClient(server.Client())), server
}

func TestFlightsFinder_Invoke(t *testing.T) {
	api, server := newTestSerpAPI(t, flightsFixture)

	f, err := NewFlightsFinder(api, Settings{})
	if err != nil {
		t.Fatalf("NewFlightsFinder: %v", err)
	}
	reg, _ := NewRegistry(f)
	args, err := reg.Prepare("flights_finder", map[string]any{
		"departure_airport": "sfo",
		"arrival_airport":   "NRT",
		"outbound_date":     "2025-06-01",
		"return_date":       "2025-06-10",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	out, err := f.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := server.LastQuery()

	checks := map[string]string{
		"engine":       "google_flights",
		"api_key":      "serp-key",
		"departure_id": "SFO",
		"arrival_id":   "NRT",
		"type":         "1",
		"return_date":  "2025-06-10",
		"adults":       "1",
		"children":     "0",
		"currency":     "USD",
		"hl":           "en",
		"gl":           "us",
	}
	for k, want := range checks {
		if got.Get(k) != want {
			t.Errorf("query %s = %q, want %q", k, got.Get(k), want)
		}
	}

	flights := out.([]Flight)
	if len(flights) != 5 {
		t.Fatalf("expected results capped at 5, got %d", len(flights))
	}
	first := flights[0]
	if first.Airline != "ANA" || first.Price != 1320 || first.Stops != 0 || first.DurationMinutes != 690 {
		t.Errorf("first flight = %+v", first)
	}
	if first.Link == "" || first.AirlineLogo == "" || first.Currency != "USD" {
		t.Errorf("first flight missing link/logo/currency: %+v", first)
	}
	second := flights[1]
	if second.Stops != 1 || second.ArrivalAirport != "NRT" || len(second.FlightNumbers) != 2 {
		t.Errorf("connecting flight = %+v", second)
	}
}

func TestFlightsFinder_OneWayAndFilter(t *testing.T) {
	api, server := newTestSerpAPI(t, flightsFixture)
	f, err := NewFlightsFinder(api, Settings{Filter: "price < 1000", MaxResults: 2})
	if err != nil {
		t.Fatalf("NewFlightsFinder: %v", err)
	}

	out, err := f.Invoke(context.Background(), map[string]any{
		"departure_airport": "SFO", "arrival_airport": "NRT", "outbound_date": "2025-06-01", "adults": float64(2),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := server.LastQuery()
	if got.Get("type") != "2" || got.Has("return_date") || got.Get("adults") != "2" {
		t.Errorf("one-way query = %v", got)
	}
	flights := out.([]Flight)
	if len(flights) != 2 || flights[0].Price != 880 || flights[1].Price != 990 {
		t.Errorf("filtered flights = %+v", flights)
	}
}

func TestFlightsFinder_BadFilter(t *testing.T) {
	if _, err := NewFlightsFinder(NewSerpAPI(""), Settings{Filter: "seats > 1"}); err == nil {
		t.Fatal("expected error for filter on unknown field")
	}
}

func TestHotelsFinder_Invoke(t *testing.T) {
	api, server := newTestSerpAPI(t, hotelsFixture)
	h, _ := NewHotelsFinder(api, Settings{})
	reg, _ := NewRegistry(h)

	args, err := reg.Prepare("hotels_finder", map[string]any{
		"q": "Tokyo", "check_in_date": "2025-06-02", "check_out_date": "2025-06-09", "hotel_class": "4,5",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	out, err := h.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := server.LastQuery()

	for k, want := range map[string]string{
		"engine": "google_hotels", "q": "Tokyo", "sort_by": "8", "adults": "1",
		"children": "0", "rooms": "1", "hotel_class": "4,5", "currency": "USD",
	} {
		if got.Get(k) != want {
			t.Errorf("query %s = %q, want %q", k, got.Get(k), want)
		}
	}

	hotels := out.([]Hotel)
	if len(hotels) != 3 {
		t.Fatalf("hotels = %d", len(hotels))
	}
	park := hotels[0]
	if park.Price != "$820" || park.PricePerNight != 820 || park.Rating != 4.7 || park.ReviewsCount != 3120 {
		t.Errorf("park = %+v", park)
	}
	if park.Image != "https://img/park.jpg" || park.Link == "" || len(park.Amenities) != 2 {
		t.Errorf("park media = %+v", park)
	}
	if hotels[2].Name != "Unknown Hotel" || hotels[2].Price != "Price not available" {
		t.Errorf("fallbacks = %+v", hotels[2])
	}
}

func TestHotelsFinder_ConfigureSwapsFilter(t *testing.T) {
	api, _ := newTestSerpAPI(t, hotelsFixture)
	h, _ := NewHotelsFinder(api, Settings{})
	if err := h.Configure(Settings{Filter: "rating >= 4.5"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	out, err := h.Invoke(context.Background(), map[string]any{"q": "Tokyo", "check_in_date": "2025-06-02", "check_out_date": "2025-06-09"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if hotels := out.([]Hotel); len(hotels) != 1 || hotels[0].Name != "Park Hyatt Tokyo" {
		t.Errorf("filtered hotels = %+v", hotels)
	}
}

func TestSearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"provider error field", http.StatusOK, `{"error": "Invalid API key."}`},
		{"http status", http.StatusInternalServerError, `oops`},
		{"bad json", http.StatusOK, `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testutil.NewSearchServer(t, tt.status, tt.body)
			api := NewSerpAPI("k", WithEndpoint(server.URL), WithSearchHTTPClient(server.Client()))
			h, _ := NewHotelsFinder(api, Settings{})
			args := map[string]any{"q": "Tokyo", "check_in_date": "2025-06-02", "check_out_date": "2025-06-09"}
			_, err := h.Invoke(context.Background(), args)

			var se *SearchError
			if !errors.As(err, &se) {
				t.Fatalf("expected *SearchError, got %v", err)
			}
			if se.Reason != "error in hotel search" || se.Params["q"] != "Tokyo" {
				t.Errorf("search error = %+v", se)
			}
		})
	}
}

package tools

import (
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Flight is one normalized flight option.
type Flight struct {
	Airline          string   `json:"airline" expr:"airline"`
	AirlineLogo      string   `json:"airline_logo,omitempty" expr:"airline_logo"`
	FlightNumbers    []string `json:"flight_numbers,omitempty" expr:"flight_numbers"`
	Price            float64  `json:"price" expr:"price"`
	Currency         string   `json:"currency" expr:"currency"`
	DurationMinutes  int      `json:"total_duration_minutes" expr:"duration"`
	Stops            int      `json:"stops" expr:"stops"`
	DepartureAirport string   `json:"departure_airport" expr:"departure_airport"`
	DepartureTime    string   `json:"departure_time" expr:"departure_time"`
	ArrivalAirport   string   `json:"arrival_airport" expr:"arrival_airport"`
	ArrivalTime      string   `json:"arrival_time" expr:"arrival_time"`
	TripType         string   `json:"type,omitempty" expr:"type"`
	Link             string   `json:"link,omitempty" expr:"link"`
}

type serpAirport struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Time string `json:"time"`
}

type serpFlightLeg struct {
	DepartureAirport serpAirport `json:"departure_airport"`
	ArrivalAirport   serpAirport `json:"arrival_airport"`
	Airline          string      `json:"airline"`
	AirlineLogo      string      `json:"airline_logo"`
	FlightNumber     string      `json:"flight_number"`
}

type serpFlightOption struct {
	Flights       []serpFlightLeg `json:"flights"`
	TotalDuration int             `json:"total_duration"`
	Price         float64         `json:"price"`
	Type          string          `json:"type"`
	AirlineLogo   string          `json:"airline_logo"`
}

type serpFlightsResponse struct {
	SearchMetadata struct {
		GoogleFlightsURL string `json:"google_flights_url"`
	} `json:"search_metadata"`
	BestFlights  []serpFlightOption `json:"best_flights"`
	OtherFlights []serpFlightOption `json:"other_flights"`
}

// FlightsFinder looks up flights with the Google Flights engine.
type FlightsFinder struct {
	api *SerpAPI
	settingsHolder
}

// NewFlightsFinder creates the flights_finder tool.
func NewFlightsFinder(api *SerpAPI, s Settings) (*FlightsFinder, error) {
	f := &FlightsFinder{api: api}
	if err := f.Configure(s); err != nil {
		return nil, err
	}
	return f, nil
}

// Configure replaces the search settings.
func (f *FlightsFinder) Configure(s Settings) error {
	return f.configure(s, Flight{})
}

func (f *FlightsFinder) Name() string { return "flights_finder" }

func (f *FlightsFinder) Description() string {
	return "Find flights using the Google Flights engine. Returns the top flight options with airline, logo, price, duration, stops and a booking link."
}

func (f *FlightsFinder) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"departure_airport": map[string]any{
				"type":        "string",
				"description": "Departure airport code (IATA), e.g. SFO",
				"pattern":     "^[A-Za-z]{3}$",
			},
			"arrival_airport": map[string]any{
				"type":        "string",
				"description": "Arrival airport code (IATA), e.g. NRT",
				"pattern":     "^[A-Za-z]{3}$",
			},
			"outbound_date": map[string]any{
				"type":        "string",
				"description": "Outbound date in YYYY-MM-DD format, e.g. 2024-06-22",
				"pattern":     datePattern,
			},
			"return_date": map[string]any{
				"type":        "string",
				"description": "Return date in YYYY-MM-DD format. Omit for a one-way trip.",
				"pattern":     datePattern,
			},
			"adults":          countProperty("Number of adults", 1, 1),
			"children":        countProperty("Number of children", 0, 0),
			"infants_in_seat": countProperty("Number of infants in seat", 0, 0),
			"infants_on_lap":  countProperty("Number of infants on lap", 0, 0),
		},
		"required": []string{"departure_airport", "arrival_airport", "outbound_date"},
	}
}

// Invoke runs the search with validated arguments.
func (f *FlightsFinder) Invoke(ctx context.Context, args map[string]any) (any, error) {
	s, filter := f.snapshot()

	q := url.Values{}
	q.Set("hl", s.Language)
	q.Set("gl", s.Country)
	q.Set("currency", s.Currency)
	q.Set("departure_id", strings.ToUpper(argString(args, "departure_airport")))
	q.Set("arrival_id", strings.ToUpper(argString(args, "arrival_airport")))
	q.Set("outbound_date", argString(args, "outbound_date"))
	if rd := argString(args, "return_date"); rd != "" {
		q.Set("type", "1")
		q.Set("return_date", rd)
	} else {
		q.Set("type", "2")
	}
	for _, k := range []string{"adults", "children", "infants_in_seat", "infants_on_lap"} {
		q.Set(k, strconv.Itoa(argInt(args, k)))
	}

	var resp serpFlightsResponse
	if err := f.api.Search(ctx, "google_flights", q, &resp); err != nil {
		return nil, &SearchError{Reason: "error in flight search", Params: args, Err: err}
	}

	options := append(resp.BestFlights, resp.OtherFlights...)
	flights := make([]Flight, 0, len(options))
	for _, o := range options {
		flights = append(flights, normalizeFlight(o, s.Currency, resp.SearchMetadata.GoogleFlightsURL))
	}

	ranked, err := rank(flights, s, filter)
	if err != nil {
		return nil, &SearchError{Reason: "error filtering flights", Params: args, Err: err}
	}
	return ranked, nil
}

func normalizeFlight(o serpFlightOption, currency, link string) Flight {
	fl := Flight{
		AirlineLogo:     o.AirlineLogo,
		Price:           o.Price,
		Currency:        currency,
		DurationMinutes: o.TotalDuration,
		TripType:        o.Type,
		Link:            link,
	}
	if len(o.Flights) == 0 {
		return fl
	}

	first, last := o.Flights[0], o.Flights[len(o.Flights)-1]
	fl.Stops = len(o.Flights) - 1
	fl.DepartureAirport = first.DepartureAirport.ID
	fl.DepartureTime = first.DepartureAirport.Time
	fl.ArrivalAirport = last.ArrivalAirport.ID
	fl.ArrivalTime = last.ArrivalAirport.Time

	var airlines []string
	for _, leg := range o.Flights {
		if leg.FlightNumber != "" {
			fl.FlightNumbers = append(fl.FlightNumbers, leg.FlightNumber)
		}
		if leg.Airline != "" && !slices.Contains(airlines, leg.Airline) {
			airlines = append(airlines, leg.Airline)
		}
	}
	fl.Airline = strings.Join(airlines, ", ")
	if fl.AirlineLogo == "" {
		fl.AirlineLogo = first.AirlineLogo
	}
	return fl
}

const datePattern = `^\d{4}-\d{2}-\d{2}$`

func countProperty(desc string, def, min int) map[string]any {
	return map[string]any{
		"type":        "integer",
		"description": desc + ". Defaults to " + strconv.Itoa(def) + ".",
		"minimum":     min,
		"default":     def,
	}
}

package tools

import (
	"context"
	"net/url"
	"strconv"
)

// Hotel is one normalized hotel property.
type Hotel struct {
	Name          string   `json:"name" expr:"name"`
	Price         string   `json:"price" expr:"price_text"`
	PricePerNight float64  `json:"price_per_night" expr:"price"`
	Rating        float64  `json:"rating" expr:"rating"`
	ReviewsCount  int      `json:"reviews_count" expr:"reviews"`
	HotelClass    int      `json:"hotel_class,omitempty" expr:"hotel_class"`
	Description   string   `json:"description,omitempty" expr:"description"`
	Amenities     []string `json:"amenities,omitempty" expr:"amenities"`
	Link          string   `json:"link,omitempty" expr:"link"`
	Image         string   `json:"image,omitempty" expr:"image"`
}

type serpRate struct {
	Lowest          string  `json:"lowest"`
	ExtractedLowest float64 `json:"extracted_lowest"`
}

type serpProperty struct {
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	Link                string   `json:"link"`
	RatePerNight        serpRate `json:"rate_per_night"`
	OverallRating       float64  `json:"overall_rating"`
	Reviews             int      `json:"reviews"`
	ExtractedHotelClass int      `json:"extracted_hotel_class"`
	Amenities           []string `json:"amenities"`
	Images              []struct {
		Thumbnail string `json:"thumbnail"`
	} `json:"images"`
}

type serpHotelsResponse struct {
	Properties []serpProperty `json:"properties"`
}

// HotelsFinder looks up hotels with the Google Hotels engine.
type HotelsFinder struct {
	api *SerpAPI
	settingsHolder
}

// NewHotelsFinder creates the hotels_finder tool.
func NewHotelsFinder(api *SerpAPI, s Settings) (*HotelsFinder, error) {
	h := &HotelsFinder{api: api}
	if err := h.Configure(s); err != nil {
		return nil, err
	}
	return h, nil
}

// Configure replaces the search settings.
func (h *HotelsFinder) Configure(s Settings) error {
	return h.configure(s, Hotel{})
}

func (h *HotelsFinder) Name() string { return "hotels_finder" }

func (h *HotelsFinder) Description() string {
	return "Find hotels using the Google Hotels engine. Returns the top hotel search results with name, nightly price, rating, amenities, link and image."
}

func (h *HotelsFinder) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q": map[string]any{
				"type":        "string",
				"description": "Location of the hotel",
				"minLength":   1,
			},
			"check_in_date": map[string]any{
				"type":        "string",
				"description": "Check-in date in YYYY-MM-DD format, e.g. 2024-06-22",
				"pattern":     datePattern,
			},
			"check_out_date": map[string]any{
				"type":        "string",
				"description": "Check-out date in YYYY-MM-DD format, e.g. 2024-06-28",
				"pattern":     datePattern,
			},
			"sort_by": map[string]any{
				"type":        "string",
				"description": "Sort order for the results. Defaults to 8 (highest rating). 3 is lowest price, 13 is most reviewed.",
				"default":     "8",
			},
			"adults":   countProperty("Number of adults", 1, 1),
			"children": countProperty("Number of children", 0, 0),
			"rooms":    countProperty("Number of rooms", 1, 1),
			"hotel_class": map[string]any{
				"type":        "string",
				"description": "Only include certain hotel classes, e.g. 2,3,4",
				"pattern":     `^[1-5](,[1-5])*$`,
			},
		},
		"required": []string{"q", "check_in_date", "check_out_date"},
	}
}

// Invoke runs the search with validated arguments.
func (h *HotelsFinder) Invoke(ctx context.Context, args map[string]any) (any, error) {
	s, filter := h.snapshot()

	q := url.Values{}
	q.Set("hl", s.Language)
	q.Set("gl", s.Country)
	q.Set("currency", s.Currency)
	q.Set("q", argString(args, "q"))
	q.Set("check_in_date", argString(args, "check_in_date"))
	q.Set("check_out_date", argString(args, "check_out_date"))
	q.Set("sort_by", argString(args, "sort_by"))
	for _, k := range []string{"adults", "children", "rooms"} {
		q.Set(k, strconv.Itoa(argInt(args, k)))
	}
	if hc := argString(args, "hotel_class"); hc != "" {
		q.Set("hotel_class", hc)
	}

	var resp serpHotelsResponse
	if err := h.api.Search(ctx, "google_hotels", q, &resp); err != nil {
		return nil, &SearchError{Reason: "error in hotel search", Params: args, Err: err}
	}

	hotels := make([]Hotel, 0, len(resp.Properties))
	for _, p := range resp.Properties {
		hotels = append(hotels, normalizeHotel(p))
	}

	ranked, err := rank(hotels, s, filter)
	if err != nil {
		return nil, &SearchError{Reason: "error filtering hotels", Params: args, Err: err}
	}
	return ranked, nil
}

func normalizeHotel(p serpProperty) Hotel {
	h := Hotel{
		Name:          p.Name,
		Price:         p.RatePerNight.Lowest,
		PricePerNight: p.RatePerNight.ExtractedLowest,
		Rating:        p.OverallRating,
		ReviewsCount:  p.Reviews,
		HotelClass:    p.ExtractedHotelClass,
		Description:   p.Description,
		Amenities:     p.Amenities,
		Link:          p.Link,
	}
	if h.Name == "" {
		h.Name = "Unknown Hotel"
	}
	if h.Price == "" {
		h.Price = "Price not available"
	}
	if len(p.Images) > 0 {
		h.Image = p.Images[0].Thumbnail
	}
	return h
}

package templates

import "time"

var (
	t1 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	t2 = time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
)

func vehicleInspection(updatedAt time.Time, version int) Template {
	return Template{
		ID:        "vehicle-inspection",
		Version:   version,
		UpdatedAt: updatedAt,
		Title:     "Vehicle Inspection",
		Sections: []Section{
			{ID: "general", Title: "General", Questions: []Question{
				{ID: "q1", Type: "text", Label: "Make", Required: true},
				{ID: "q2", Type: "number", Label: "Odometer"},
			}},
			{ID: "safety", Title: "Safety", Questions: []Question{
				{ID: "q3", Type: "photo", Label: "Tyres", Critical: true},
			}},
		},
	}
}

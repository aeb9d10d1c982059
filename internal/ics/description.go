package ics

import (
	"sort"
	"strings"

	"gigcal/internal/model"
)

const bandsLabel = "Bands: "

// ComposeDescription returns the DESCRIPTION text for an event: the event's
// own description followed, when bands are associated, by a blank line and
// the band names in ascending order. bands is not modified.
func ComposeDescription(description string, bands []model.Band) string {
	if len(bands) == 0 {
		return description
	}

	names := make([]string, 0, len(bands))
	for _, b := range bands {
		names = append(names, b.Name)
	}
	sort.Strings(names)

	return description + "\n\n" + bandsLabel + strings.Join(names, ", ")
}

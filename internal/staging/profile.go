package staging

import (
	"path"
	"strings"
	"time"
)

// DateFolderFormat formats a session timestamp for folder, archive and
// remote path names.
const DateFolderFormat = "20060102150405"

// Profile carries the defaults of one kind of staged data: the bucket it
// lands in, the content type its objects get, and how the remote location is
// derived from the entity and timestamp.
type Profile struct {
	Name        string
	Bucket      string
	ContentType string

	location func(entity string, ts time.Time) string
}

// Location returns the remote prefix for entity at ts.
func (p Profile) Location(entity string, ts time.Time) string {
	if p.location == nil {
		return datedLocation(entity, ts)
	}
	return p.location(entity, ts)
}

func datedLocation(entity string, ts time.Time) string {
	return path.Join(entity, ts.Format(DateFolderFormat))
}

func entityLocation(entity string, _ time.Time) string {
	return entity
}

var (
	// Default has no bucket; callers must name one per transfer.
	Default = Profile{Name: "Base", location: datedLocation}

	Maps = Profile{
		Name:        "Maps",
		Bucket:      "pi-maps",
		ContentType: "image/svg+xml",
		location:    datedLocation,
	}

	Lookups = Profile{
		Name:        "Lookups",
		Bucket:      "pi-wifi-location-lookups",
		ContentType: "text/json",
		location:    datedLocation,
	}

	// Outputs are stored flat under the entity, without the timestamp.
	Outputs = Profile{
		Name:     "Outputs",
		Bucket:   "pi-wifi-location-outputs",
		location: entityLocation,
	}

	CalibrationRefData = Profile{
		Name:     "CalibrationRefData",
		Bucket:   "pi-wifi-location-calibration-ref-data",
		location: datedLocation,
	}
)

var profiles = []Profile{Default, Maps, Lookups, Outputs, CalibrationRefData}

// LookupProfile finds a profile by name, ignoring case, dashes and
// underscores, so "calibration-ref-data" matches CalibrationRefData.
func LookupProfile(name string) (Profile, bool) {
	key := normalizeName(name)
	for _, p := range profiles {
		if normalizeName(p.Name) == key {
			return p, true
		}
	}
	if key == "default" {
		return Default, true
	}
	return Profile{}, false
}

// ProfileNames lists the names LookupProfile accepts.
func ProfileNames() []string {
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return names
}

func normalizeName(s string) string {
	return strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
}

package recording

import "encoding/json"

// Payload is the argument of the companion's publish_callback. Image and
// movie keys appear whenever that kind was captured, even when empty; package
// keys only when a package export was requested.
type Payload struct {
	ImagePath       string `json:"image_path,omitempty"`
	ImageExt        string `json:"image_ext,omitempty"`
	MoviePath       string `json:"movie_path,omitempty"`
	MovieExt        string `json:"movie_ext,omitempty"`
	Success         *bool  `json:"success,omitempty"`
	PackageFilepath string `json:"package_filepath,omitempty"`
	ErrorMsg        string `json:"error_msg,omitempty"`

	imageCaptured bool
	movieCaptured bool
}

type payloadFields Payload

// MarshalJSON keeps the keys of every captured kind
func (p Payload) MarshalJSON() ([]byte, error) {
	out := struct {
		payloadFields
		ImagePath *string `json:"image_path,omitempty"`
		ImageExt  *string `json:"image_ext,omitempty"`
		MoviePath *string `json:"movie_path,omitempty"`
		MovieExt  *string `json:"movie_ext,omitempty"`
	}{payloadFields: payloadFields(p)}

	if p.imageCaptured || p.ImagePath != "" {
		out.ImagePath, out.ImageExt = &p.ImagePath, &p.ImageExt
	}
	if p.movieCaptured || p.MoviePath != "" {
		out.MoviePath, out.MovieExt = &p.MoviePath, &p.MovieExt
	}
	return json.Marshal(out)
}

// composePayload builds the payload from the markers of every active kind
func composePayload(markers map[Kind]*Marker) Payload {
	var p Payload
	if m, ok := markers[ImageSequence]; ok {
		p.imageCaptured = true
		p.ImagePath = m.TempPath
		p.ImageExt = m.Extension
	}
	if m, ok := markers[Movie]; ok {
		p.movieCaptured = true
		p.MoviePath = m.TempPath
		p.MovieExt = m.Extension
	}
	return p
}

// addPackage runs the export and records its outcome. A failure is reported
// in the payload, never returned.
func addPackage(p *Payload, exporter PackageExporter, assetType string) {
	success := false
	p.Success = &success

	if exporter == nil {
		p.ErrorMsg = "package export is not available"
		return
	}
	path, err := exporter.ExportPackage(assetType)
	if err != nil {
		p.ErrorMsg = err.Error()
		return
	}
	success = true
	p.PackageFilepath = path
}

package layer

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"

	"tilecache/internal/cacheerr"
	"tilecache/internal/tilemath"
)

// Constants representing tile formats
const (
	PNG  = "png"
	JPG  = "jpg"
	JPEG = "jpeg"
	PBF  = "pbf"
	WEBP = "webp"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

//Descriptor a named remote tile source
type Descriptor struct {
	Name       string   `mapstructure:"name" json:"name"`
	URL        string   `mapstructure:"url" json:"url"`
	Subdomains []string `mapstructure:"subdomains" json:"subdomains,omitempty"`
	MinZoom    int      `mapstructure:"minzoom" json:"minzoom"`
	MaxZoom    int      `mapstructure:"maxzoom" json:"maxzoom"`
	Format     string   `mapstructure:"format" json:"format"`
}

// Validate checks the descriptor and fills in the format default.
func (d *Descriptor) Validate() error {
	if !namePattern.MatchString(d.Name) || d.Name == "." || d.Name == ".." {
		return cacheerr.Invalid("layer.name", "%q must be a non-empty path segment of letters, digits, '.', '_' or '-'", d.Name)
	}
	if strings.TrimSpace(d.URL) == "" {
		return cacheerr.Invalid("layer.url", "layer %s has no url template", d.Name)
	}
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(d.URL, p) {
			return cacheerr.Invalid("layer.url", "layer %s template lacks %s", d.Name, p)
		}
	}
	if strings.Contains(d.URL, "{s}") && len(d.Subdomains) == 0 {
		return cacheerr.Invalid("layer.subdomains", "layer %s template uses {s} but declares no subdomains", d.Name)
	}
	if d.MinZoom < tilemath.ZoomMin || d.MaxZoom > tilemath.ZoomMax || d.MinZoom > d.MaxZoom {
		return cacheerr.Invalid("layer.zoom", "layer %s zoom range [%d, %d] is invalid", d.Name, d.MinZoom, d.MaxZoom)
	}
	if d.Format == "" {
		d.Format = formatOf(d.URL)
	}
	d.Format = strings.TrimPrefix(strings.ToLower(d.Format), ".")
	return nil
}

// formatOf guesses the tile format from the template's path extension.
func formatOf(template string) string {
	p := template
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch ext := strings.TrimPrefix(path.Ext(p), "."); strings.ToLower(ext) {
	case PNG, JPG, JPEG, PBF, WEBP:
		return strings.ToLower(ext)
	}
	return PNG
}

// CheckTile verifies that t is addressable for this layer.
func (d Descriptor) CheckTile(t maptile.Tile) error {
	if int(t.Z) < d.MinZoom || int(t.Z) > d.MaxZoom {
		return cacheerr.Invalid("zoom", "layer %s supports zoom %d-%d, got %d", d.Name, d.MinZoom, d.MaxZoom, t.Z)
	}
	if !tilemath.InRange(t) {
		return cacheerr.Invalid("tile", "%d/%d/%d is outside the zoom %d grid", t.Z, t.X, t.Y, t.Z)
	}
	return nil
}

// tileURL substitutes the tile into the template using subdomain s.
func (d Descriptor) tileURL(t maptile.Tile, s string) string {
	url := strings.Replace(d.URL, "{x}", strconv.Itoa(int(t.X)), -1)
	url = strings.Replace(url, "{y}", strconv.Itoa(int(t.Y)), -1)
	url = strings.Replace(url, "{z}", strconv.Itoa(int(t.Z)), -1)
	url = strings.Replace(url, "{s}", s, -1)
	return url
}

// Key is the storage key of t within the layer namespace.
func (d Descriptor) Key(t maptile.Tile) string {
	return d.Name + "/" + strconv.Itoa(int(t.Z)) + "/" + strconv.Itoa(int(t.X)) + "/" + strconv.Itoa(int(t.Y)) + "." + d.Format
}

// Package region describes the monitored screen areas and how they are declared.
package region

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
)

// Region is one independently monitored rectangle with a stable id.
type Region struct {
	ID     string
	Bounds image.Rectangle
}

func (r Region) String() string {
	return fmt.Sprintf("%s%v", r.ID, r.Bounds)
}

// IDs returns region ids in declaration order.
func IDs(regions []Region) []string {
	ids := make([]string, len(regions))
	for i, r := range regions {
		ids[i] = r.ID
	}
	return ids
}

// Parse reads "id=x,y,w,h;id=x,y,w,h". Ids must be unique and rectangles non-empty.
func Parse(s string) ([]Region, error) {
	var out []Region
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, geom, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, invalid(entry, "expected id=x,y,w,h")
		}
		rect, err := parseRect(geom)
		if err != nil {
			return nil, invalid(entry, err.Error())
		}
		if _, dup := seen[id]; dup {
			return nil, invalid(entry, "duplicate id")
		}
		seen[id] = struct{}{}
		out = append(out, Region{ID: id, Bounds: rect})
	}
	return out, nil
}

// ParseGrid reads "x,y,w,h:rows:cols" and lays out a grid on monitor 0.
func ParseGrid(s string) ([]Region, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return nil, invalid(s, "expected x,y,w,h:rows:cols")
	}
	bounds, err := parseRect(parts[0])
	if err != nil {
		return nil, invalid(s, err.Error())
	}
	rows, err1 := strconv.Atoi(strings.TrimSpace(parts[1]))
	cols, err2 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil {
		return nil, invalid(s, "rows and cols must be integers")
	}
	return Grid(0, bounds, rows, cols, DefaultInset)
}

// Grid splits bounds into rows x cols cells, each shrunk by inset pixels per side.
// Ids follow M<monitor>_R<row>_C<col>, row-major.
func Grid(monitor int, bounds image.Rectangle, rows, cols, inset int) ([]Region, error) {
	if rows <= 0 || cols <= 0 {
		return nil, apperr.Newf(apperr.InvalidArgument, "grid needs positive rows and cols, got %dx%d", rows, cols)
	}
	cellW := bounds.Dx() / cols
	cellH := bounds.Dy() / rows
	if cellW-2*inset <= 0 || cellH-2*inset <= 0 {
		return nil, apperr.Newf(apperr.InvalidArgument, "grid cells %dx%d too small for inset %d", cellW, cellH, inset)
	}

	out := make([]Region, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x0 := bounds.Min.X + c*cellW
			y0 := bounds.Min.Y + r*cellH
			cell := image.Rect(x0, y0, x0+cellW, y0+cellH).Inset(inset)
			out = append(out, Region{ID: CellID(monitor, r, c), Bounds: cell})
		}
	}
	return out, nil
}

// CellID formats a grid cell id.
func CellID(monitor, row, col int) string {
	return fmt.Sprintf("M%d_R%d_C%d", monitor, row, col)
}

func parseRect(s string) (image.Rectangle, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return image.Rectangle{}, fmt.Errorf("expected 4 coordinates, got %d", len(fields))
	}
	var v [4]int
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("coordinate %q is not an integer", f)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("width and height must be positive")
	}
	return image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3]), nil
}

func invalid(entry, reason string) error {
	return apperr.Newf(apperr.ConfigInvalid, "region %q: %s", entry, reason).WithMetadata("field", "regions")
}

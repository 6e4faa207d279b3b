package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/spirit/internal/httputil"
)

const defaultMaxPoints = 8000

// handleTrajectory renders a top-down scatter of archived frame positions
// with the current selection highlighted. Frames outside the index bounds
// are drawn as their own series.
// Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	maxPoints := defaultMaxPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 0 && v <= 50000 {
			maxPoints = v
		}
	}

	frames := s.source.Frames()
	stride := 1
	if len(frames) > maxPoints {
		stride = int(math.Ceil(float64(len(frames)) / float64(maxPoints)))
	}

	indexed := make([]opts.ScatterData, 0, len(frames)/stride+1)
	var unindexed []opts.ScatterData
	maxAbs := 0.0
	for i := 0; i < len(frames); i += stride {
		f := frames[i]
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(f.Position.X), math.Abs(f.Position.Y)))
		point := opts.ScatterData{
			Name:  fmt.Sprintf("frame %d", f.ID),
			Value: []interface{}{f.Position.X, f.Position.Y, f.Position.Z},
		}
		if s.source.Indexed(f.ID) {
			indexed = append(indexed, point)
		} else {
			unindexed = append(unindexed, point)
		}
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Past image trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Archived frames",
			Subtitle: fmt.Sprintf("policy=%s frames=%d stride=%d", s.source.Policy().Describe(), len(frames), stride),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("archived", indexed, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	if len(unindexed) > 0 {
		scatter.AddSeries("outside index", unindexed, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	if cur := s.source.Current(); cur != nil {
		scatter.AddSeries("selected", []opts.ScatterData{{
			Name:  fmt.Sprintf("frame %d", cur.ID),
			Value: []interface{}{cur.Position.X, cur.Position.Y, cur.Position.Z},
		}}, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

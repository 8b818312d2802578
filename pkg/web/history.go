package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxExplicitRange clamps start/end queries to 90 days
const maxExplicitRange = 90 * 24 * time.Hour

var namedRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// parseRange resolves ?range= or explicit ?start=&end= (unix seconds) into
// a [start,end] window, clamping explicit windows to 90 days.
func parseRange(r *http.Request) (start, end int64, err error) {
	q := r.URL.Query()
	now := time.Now()

	if name := q.Get("range"); name != "" {
		span, ok := namedRanges[name]
		if !ok {
			return 0, 0, fmt.Errorf("range must be one of 1h, 6h, 24h, 7d, 30d")
		}
		return now.Add(-span).Unix(), now.Unix(), nil
	}

	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr == "" && endStr == "" {
		// default window
		return now.Add(-time.Hour).Unix(), now.Unix(), nil
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("start must be a unix timestamp")
	}
	if endStr == "" {
		end = now.Unix()
	} else if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("end must be a unix timestamp")
	}
	if end <= start {
		return 0, 0, fmt.Errorf("end must be after start")
	}
	if time.Duration(end-start)*time.Second > maxExplicitRange {
		start = end - int64(maxExplicitRange/time.Second)
	}
	return start, end, nil
}

func parseInterval(r *http.Request) int64 {
	if v := r.URL.Query().Get("interval"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0 // auto
}

// historyDeviceID resolves the optional device filter: explicit wins, a
// single registered device is auto-selected, multiple devices default to
// the all-device view.
func (s *Server) historyDeviceID(r *http.Request) string {
	if id := r.URL.Query().Get("device_id"); id != "" {
		return id
	}
	ids := s.deviceIDs()
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}

func (s *Server) handleHistoryBanks(asCSV bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := parseRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		points, err := s.history.QueryBanks(start, end, parseInterval(r), s.historyDeviceID(r))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if !asCSV {
			writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"ts", "bank", "voltage", "current", "power", "apparent", "pf"})
		for _, p := range points {
			_ = cw.Write([]string{
				strconv.FormatInt(p.TS, 10), strconv.Itoa(p.Bank),
				csvFloat(p.Voltage), csvFloat(p.Current), csvFloat(p.Power),
				csvFloat(p.Apparent), csvFloat(p.PF),
			})
		}
		cw.Flush()
	}
}

func (s *Server) handleHistoryOutlets(asCSV bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := parseRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		points, err := s.history.QueryOutlets(start, end, parseInterval(r), s.historyDeviceID(r))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if !asCSV {
			writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"ts", "outlet", "current", "power", "energy"})
		for _, p := range points {
			_ = cw.Write([]string{
				strconv.FormatInt(p.TS, 10), strconv.Itoa(p.Outlet),
				csvFloat(p.Current), csvFloat(p.Power), csvFloat(p.Energy),
			})
		}
		cw.Flush()
	}
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.history.ListReports(r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.history.LatestReport(r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no reports yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "report id must be an integer")
		return
	}
	report, err := s.history.GetReport(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no report with id %d", id))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

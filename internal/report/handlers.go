package report

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/pipeline"
)

const defaultRunLimit = 50

// sendJSON sends a response as JSON, or as MessagePack when the client asked for it
func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	if err := s.formatter.WriteResponse(w, r, http.StatusOK, data); err != nil {
		s.logger.Warnw("unable to write response", "path", r.URL.Path, "error", err)
	}
}

// sendError sends an error response in the requested format
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	resp := map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	}
	if err != nil {
		resp["details"] = err.Error()
	}
	if werr := s.formatter.WriteResponse(w, r, statusCode, resp); werr != nil {
		s.logger.Warnw("unable to write error response", "path", r.URL.Path, "error", werr)
	}
}

func (s *Server) getAOIs(w http.ResponseWriter, r *http.Request) {
	aois, err := database.NewAOIRepository(s.db).GetAll(r.Context())
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to list AOIs", err)
		return
	}
	s.sendJSON(w, r, map[string]interface{}{"aois": aois})
}

func (s *Server) getAOIScenes(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	area, err := database.NewAOIRepository(s.db).GetByName(r.Context(), name)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to load AOI", err)
		return
	}
	if area == nil {
		s.sendError(w, r, http.StatusNotFound, "AOI not found", nil)
		return
	}

	filter, err := sceneFilter(r)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "Invalid query parameter", err)
		return
	}

	scenes, err := database.NewSceneRepository(s.db).ListByAOI(r.Context(), area.ID, filter)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to list scenes", err)
		return
	}
	s.sendJSON(w, r, map[string]interface{}{"aoi": area.Name, "scenes": scenes})
}

func sceneFilter(r *http.Request) (database.SceneFilter, error) {
	var f database.SceneFilter
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			return f, err
		}
		f.Start = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			return f, err
		}
		f.End = &t
	}
	if v := q.Get("max_cloud"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 || c > 100 {
			return f, errors.New("max_cloud must be a number between 0 and 100")
		}
		f.MaxCloudCover = &c
	}
	return f, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, errors.New("dates must be YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

func (s *Server) getScene(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "Invalid scene id", err)
		return
	}

	ctx := r.Context()
	scene, err := database.NewSceneRepository(s.db).GetByID(ctx, uint(id))
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to load scene", err)
		return
	}
	if scene == nil {
		s.sendError(w, r, http.StatusNotFound, "Scene not found", nil)
		return
	}

	if scene.DownloadStatus, err = database.NewDownloadStatusRepository(s.db).GetBySceneID(ctx, scene.ID); err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to load download status", err)
		return
	}
	if scene.SnowMasks, err = database.NewSnowMaskRepository(s.db).GetByProduct(ctx, scene.ID); err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to load snow masks", err)
		return
	}
	s.sendJSON(w, r, scene)
}

func (s *Server) getTrends(w http.ResponseWriter, r *http.Request) {
	rows, err := database.NewReportRepository(s.db).Trends(r.Context(), r.URL.Query().Get("aoi"))
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to load trends", err)
		return
	}
	if rows == nil {
		rows = []database.TrendRow{}
	}

	kernel := pipeline.DefaultSmoothingKernel
	if v := r.URL.Query().Get("smooth"); v != "" {
		kernel, err = strconv.Atoi(v)
		if err != nil {
			s.sendError(w, r, http.StatusBadRequest, "smooth must be a positive odd integer", err)
			return
		}
	}
	if err := pipeline.SmoothTrends(rows, kernel); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "smooth must be a positive odd integer", err)
		return
	}

	s.sendJSON(w, r, map[string]interface{}{
		"trends":  rows,
		"summary": pipeline.SummarizeTrends(rows),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := database.NewReportRepository(s.db).StatusCounts(r.Context())
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to count statuses", err)
		return
	}
	byStatus := make(map[database.Status]int64, len(counts))
	var total int64
	for _, c := range counts {
		byStatus[c.Status] = c.Count
		total += c.Count
	}
	s.sendJSON(w, r, map[string]interface{}{"counts": byStatus, "total": total})
}

func (s *Server) getRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, r, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	runs, err := database.NewRunRepository(s.db).List(r.Context(), limit)
	if err != nil {
		s.sendError(w, r, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	s.sendJSON(w, r, map[string]interface{}{"runs": runs})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.sendError(w, r, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	s.sendJSON(w, r, map[string]string{"status": "ok"})
}

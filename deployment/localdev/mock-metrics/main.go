package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strings"
	"time"
)

// queryRequest is the body the http data source posts.
type queryRequest struct {
	Table   string              `json:"table"`
	Start   int64               `json:"start"`
	End     int64               `json:"end"`
	Filters map[string][]string `json:"filters"`
}

var hosts = []string{"a", "b", "c"}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"columns": []string{"timestamp", "host", "value"},
			"rows":    series(req),
		})
	})

	logger := log.New(log.Writer(), "metrics-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// series emits one point per minute and host. Host b spikes for three minutes
// at the top of every half hour.
func series(req queryRequest) []map[string]any {
	step := time.Minute.Milliseconds()
	wanted := hosts
	if f := req.Filters["host"]; len(f) > 0 {
		wanted = f
	}
	if strings.HasPrefix(req.Table, "cpu_") {
		wanted = []string{strings.TrimPrefix(req.Table, "cpu_")}
	}

	var rows []map[string]any
	for ts := req.Start - req.Start%step; ts < req.End; ts += step {
		if ts < req.Start {
			continue
		}
		minute := time.UnixMilli(ts).UTC().Minute()
		for i, host := range wanted {
			value := 40 + 5*math.Sin(float64(ts/step+int64(i))/7)
			if host == "b" && minute%30 < 3 {
				value = 95
			}
			rows = append(rows, map[string]any{"timestamp": ts, "host": host, "value": value})
		}
	}
	return rows
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

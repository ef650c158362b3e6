package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
)

// demo-origin serves the small site the example config pre-caches.
func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	page := func(title string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<!doctype html><title>%s</title><link rel=stylesheet href=/css/main.css>\n", title)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", page("home"))
	mux.HandleFunc("/index.html", page("home"))
	mux.HandleFunc("/restaurant.html", func(w http.ResponseWriter, r *http.Request) {
		page("restaurant " + r.URL.Query().Get("id"))(w, r)
	})
	mux.HandleFunc("/css/main.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprintln(w, "body { font-family: sans-serif; }")
	})
	mux.HandleFunc("/data/items.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "name": "Mission Chinese Food"},
			{"id": 2, "name": "Emily"},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	log.Printf("demo-origin listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

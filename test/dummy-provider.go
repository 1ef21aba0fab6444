package main

import (
	"fmt"
	"log"
	"net/http"
)

// Fake OpenAI-compatible upstream for local gateway testing
func main() {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": "cmpl-1", "model": "dummy", "choices": [{"message": {"role": "assistant", "content": "Hello from the dummy provider"}}], "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}}`)
	})

	log.Println("Dummy provider starting on :3001")
	if err := http.ListenAndServe(":3001", nil); err != nil {
		log.Fatal(err)
	}
}

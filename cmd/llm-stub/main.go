// llm-stub is a deterministic OpenAI-compatible endpoint for local and
// integration testing. It recognizes each stage by its system prompt and
// replies with fixed, schema-valid content. Streaming requests get a short
// SSE chunk sequence.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func main() {
	model := os.Getenv("MODEL_ID")
	if strings.TrimSpace(model) == "" {
		model = "test-model"
	}
	addr := os.Getenv("ADDR")
	if strings.TrimSpace(addr) == "" {
		addr = ":8081"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": model, "object": "model"}},
		})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sys := ""
		if len(req.Messages) > 0 {
			sys = strings.TrimSpace(req.Messages[0].Content)
		}

		var content string
		switch {
		case strings.Contains(sys, "research planning assistant"):
			plan := map[string]any{
				"plan": "Search the topic from three angles.",
				"queries": []string{
					"system test overview",
					"system test current status",
					"system test known issues",
				},
			}
			b, _ := json.Marshal(plan)
			content = string(b)
		case strings.Contains(sys, "safety classifier"):
			content = `{"classification": "allow", "reason": ""}`
		case strings.Contains(sys, "research extraction assistant"):
			content = "The page describes the system test topic in detail and reports it operates normally."
		case strings.Contains(sys, "decide whether gathered web evidence"):
			action := map[string]any{
				"type":      "answer",
				"title":     "Evidence sufficient",
				"reasoning": "All parts of the question are covered by the gathered pages.",
				"feedback":  "Evidence is current; no caveats.",
			}
			b, _ := json.Marshal(action)
			content = string(b)
		case strings.Contains(sys, "writing the final answer"):
			content = "The system test topic works as expected [source](https://example.com/a)."
		default:
			http.Error(w, "unexpected system prompt", http.StatusBadRequest)
			return
		}

		if req.Stream {
			writeStream(w, model, content)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	})

	log.Printf("llm-stub listening on %s (model=%s)", addr, model)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// writeStream emits the content in word-sized SSE chunks the way the real
// completions API streams deltas.
func writeStream(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	fl, _ := w.(http.Flusher)
	for _, part := range strings.SplitAfter(content, " ") {
		if part == "" {
			continue
		}
		chunk := map[string]any{
			"model": model,
			"choices": []map[string]any{
				{"delta": map[string]string{"content": part}},
			},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", b)
		if fl != nil {
			fl.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if fl != nil {
		fl.Flush()
	}
}
